package ibgateway

import (
	"crypto/tls"
	"encoding/json"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"options-systemv1/internal/broker"
)

// Quote stream parameters.
const (
	heartbeatInterval = 10 * time.Second
	quoteFreshness    = 10 * time.Second
	reconnectBase     = 2 * time.Second
	reconnectMax      = 60 * time.Second
)

// cachedQuote is a streamed quote with its arrival time. Consumers only see
// quotes younger than quoteFreshness; anything older falls back to REST.
type cachedQuote struct {
	quote broker.Quote
	at    time.Time
}

// quoteStream maintains a websocket market data session against the gateway.
// It is strictly an accelerator: every failure mode degrades to the REST
// snapshot path, never to an error surfaced to callers.
type quoteStream struct {
	client *Client
	dialer *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[int64]bool
	quotes map[int64]cachedQuote
	closed bool
	once   sync.Once
}

func newQuoteStream(c *Client, disableSSL bool) *quoteStream {
	d := &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: disableSSL,
		},
	}
	return &quoteStream{
		client: c,
		dialer: d,
		subs:   make(map[int64]bool),
		quotes: make(map[int64]cachedQuote),
	}
}

// quote returns the streamed quote for a conid if fresh enough.
func (s *quoteStream) quote(conid int64) (broker.Quote, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cq, ok := s.quotes[conid]
	if !ok || time.Since(cq.at) > quoteFreshness {
		return broker.Quote{}, false
	}
	return cq.quote, true
}

// subscribe registers interest in a conid and starts the stream on first use.
func (s *quoteStream) subscribe(conid int64) {
	s.mu.Lock()
	already := s.subs[conid]
	s.subs[conid] = true
	conn := s.conn
	s.mu.Unlock()

	s.once.Do(func() { go s.run() })

	if already || conn == nil {
		return
	}
	if err := s.sendSubscribe(conn, conid); err != nil {
		log.Printf("[ibgateway] stream subscribe %d: %v", conid, err)
	}
}

func (s *quoteStream) stop() {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}
}

// run owns the connect/read/reconnect cycle for the lifetime of the client.
func (s *quoteStream) run() {
	backoff := reconnectBase
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		conn, err := s.dial()
		if err != nil {
			log.Printf("[ibgateway] stream dial failed, retrying in %v: %v", backoff, err)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}
		backoff = reconnectBase

		s.resubscribe(conn)
		stopPing := make(chan struct{})
		go s.heartbeat(conn, stopPing)
		s.readLoop(conn)
		close(stopPing)

		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		closed := s.closed
		s.mu.Unlock()
		conn.Close()
		if closed {
			return
		}
		log.Printf("[ibgateway] stream disconnected, reconnecting")
	}
}

func (s *quoteStream) dial() (*websocket.Conn, error) {
	wsURL := strings.Replace(s.client.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1) + "/ws"

	conn, _, err := s.dialer.Dial(wsURL, nil)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return conn, nil
}

// resubscribe replays all subscriptions on a fresh connection.
func (s *quoteStream) resubscribe(conn *websocket.Conn) {
	s.mu.Lock()
	conids := make([]int64, 0, len(s.subs))
	for id := range s.subs {
		conids = append(conids, id)
	}
	s.mu.Unlock()

	for _, id := range conids {
		if err := s.sendSubscribe(conn, id); err != nil {
			log.Printf("[ibgateway] stream resubscribe %d: %v", id, err)
			return
		}
	}
}

// sendSubscribe issues the gateway's smd+conid+{fields} subscription message.
func (s *quoteStream) sendSubscribe(conn *websocket.Conn, conid int64) error {
	fields := []string{fieldLast, fieldBid, fieldAsk, fieldDelta}
	args, _ := json.Marshal(map[string]any{"fields": fields})
	msg := "smd+" + strconv.FormatInt(conid, 10) + "+" + string(args)
	return conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (s *quoteStream) heartbeat(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.TextMessage, []byte("tic")); err != nil {
				return
			}
		}
	}
}

func (s *quoteStream) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				log.Printf("[ibgateway] stream read error: %v", err)
			}
			return
		}
		s.handleMessage(message)
	}
}

// streamUpdate is a market data frame. Topic is "smd+<conid>"; price fields
// arrive keyed by field id at the top level alongside the envelope.
type streamUpdate struct {
	Topic string `json:"topic"`
	Conid int64  `json:"conid"`
}

func (s *quoteStream) handleMessage(message []byte) {
	var env streamUpdate
	if err := json.Unmarshal(message, &env); err != nil {
		return
	}
	if !strings.HasPrefix(env.Topic, "smd+") || env.Conid == 0 {
		return
	}

	var row map[string]json.RawMessage
	if err := json.Unmarshal(message, &row); err != nil {
		return
	}
	update := parseSnapshotRow(row)

	s.mu.Lock()
	defer s.mu.Unlock()

	// Frames are deltas: merge into the last known quote rather than replace.
	cq := s.quotes[env.Conid]
	if update.Bid != 0 {
		cq.quote.Bid = update.Bid
	}
	if update.Ask != 0 {
		cq.quote.Ask = update.Ask
	}
	if update.Last != 0 {
		cq.quote.Last = update.Last
	}
	if update.Delta != nil {
		cq.quote.Delta = update.Delta
	}
	cq.at = time.Now()
	s.quotes[env.Conid] = cq
}
