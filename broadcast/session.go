package broadcast

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultWriteWait = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	maxMessageSize   = 4096
)

// Request is a client control frame:
//
//	{"op":"subscribe","symbol":"BTCUSDT","channels":["ticker","kline:1m"]}
type Request struct {
	Op       string    `json:"op" validate:"required,oneof=subscribe unsubscribe"`
	Symbol   string    `json:"symbol" validate:"required,uppercase,max=32"`
	Channels []Channel `json:"channels" validate:"required,min=1,max=16"`
}

type reply struct {
	Op       string    `json:"op,omitempty"`
	Symbol   string    `json:"symbol,omitempty"`
	Channels []Channel `json:"channels,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Handler upgrades HTTP requests to subscriber sessions.
type Handler struct {
	b         *Broadcaster
	upgrader  websocket.Upgrader
	writeWait time.Duration
	validate  *validator.Validate
	log       *zap.Logger
}

func NewHandler(b *Broadcaster, writeWait time.Duration, log *zap.Logger) *Handler {
	if writeWait <= 0 {
		writeWait = defaultWriteWait
	}
	return &Handler{
		b: b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		writeWait: writeWait,
		validate:  validator.New(),
		log:       log.Named("session"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	s := &session{
		h:       h,
		conn:    conn,
		sub:     h.b.Subscribe(),
		replies: make(chan []byte, 16),
		done:    make(chan struct{}),
	}
	s.log = h.log.With(zap.Uint64("subscriber", s.sub.ID()), zap.String("remote", r.RemoteAddr))
	s.log.Debug("session opened")

	go s.writePump()
	s.readPump()
}

type session struct {
	h       *Handler
	conn    *websocket.Conn
	sub     *Subscriber
	replies chan []byte
	done    chan struct{}
	log     *zap.Logger
}

// readPump owns the connection's read side and tears the session down.
func (s *session) readPump() {
	defer func() {
		close(s.done)
		s.h.b.Unsubscribe(s.sub)
		_ = s.conn.Close()
		s.log.Debug("session closed", zap.Uint64("dropped", s.sub.Dropped()))
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("read failed", zap.Error(err))
			}
			return
		}
		s.handle(raw)
	}
}

func (s *session) handle(raw []byte) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		s.reply(reply{Error: "malformed request"})
		return
	}
	if err := s.h.validate.Struct(&req); err != nil {
		s.reply(reply{Error: err.Error()})
		return
	}

	topics := make([]Topic, 0, len(req.Channels))
	for _, c := range req.Channels {
		if !c.Valid() {
			s.reply(reply{Error: "unknown channel " + string(c)})
			return
		}
		topics = append(topics, Topic{Symbol: req.Symbol, Channel: c})
	}

	if req.Op == "subscribe" {
		s.h.b.AddTopics(s.sub, topics...)
		s.reply(reply{Op: "subscribed", Symbol: req.Symbol, Channels: req.Channels})
		return
	}
	s.h.b.RemoveTopics(s.sub, topics...)
	s.reply(reply{Op: "unsubscribed", Symbol: req.Symbol, Channels: req.Channels})
}

func (s *session) reply(r reply) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	select {
	case s.replies <- data:
	default:
		s.log.Warn("reply dropped, control queue full")
	}
}

// writePump is the connection's only writer.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			return

		case data := <-s.replies:
			if !s.write(websocket.TextMessage, data) {
				return
			}

		case _, ok := <-s.sub.Ready():
			for _, m := range s.sub.Drain() {
				kind := websocket.TextMessage
				if m.Binary {
					kind = websocket.BinaryMessage
				}
				if !s.write(kind, m.Payload) {
					return
				}
			}
			if !ok {
				_ = s.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(s.h.writeWait))
				return
			}

		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.h.writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *session) write(kind int, data []byte) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.h.writeWait))
	if err := s.conn.WriteMessage(kind, data); err != nil {
		s.log.Debug("write failed", zap.Error(err))
		return false
	}
	return true
}
