package projectx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

type wsSubscribeDTO struct {
	Action     string   `json:"action"`
	Channels   []string `json:"channels"`
	AccountIDs []string `json:"account_ids"`
}

// Stream owns the user hub websocket: it dials, subscribes every configured
// account, and feeds raw frames to the normalizer. Connection transitions are
// synthesized into status frames on the same channel so they order naturally
// with the data they interrupt.
type Stream struct {
	wg             *sync.WaitGroup
	url            string
	tokenFn        func() string
	accountIDs     []string
	out            chan *RawEvent
	reconnectDelay time.Duration
}

const (
	initialReconnectDelay = time.Second
	maxReconnectDelay     = 30 * time.Second
	readDeadline          = 30 * time.Second
)

func NewStream(wg *sync.WaitGroup, url string, tokenFn func() string, accountIDs []string) *Stream {
	return &Stream{
		wg:             wg,
		url:            url,
		tokenFn:        tokenFn,
		accountIDs:     accountIDs,
		out:            make(chan *RawEvent, 256),
		reconnectDelay: initialReconnectDelay,
	}
}

// Events is the frame feed consumed by the normalizer. It closes when the
// stream shuts down.
func (s *Stream) Events() <-chan *RawEvent {
	return s.out
}

func (s *Stream) connect() (*websocket.Conn, error) {
	log.Infof("Stream.connect: connecting to %s", s.url)

	header := http.Header{}
	header.Add("Authorization", fmt.Sprintf("Bearer %s", s.tokenFn()))

	c, _, err := websocket.DefaultDialer.Dial(s.url, header)
	if err != nil {
		return nil, fmt.Errorf("Stream.connect: failed to dial %s: %w", s.url, err)
	}

	payload := &wsSubscribeDTO{
		Action:     "subscribe",
		Channels:   []string{ChannelFill, ChannelPosition, ChannelQuote, ChannelStatus},
		AccountIDs: s.accountIDs,
	}

	if err := c.WriteJSON(payload); err != nil {
		c.Close()
		return nil, fmt.Errorf("Stream.connect: failed to write subscribe payload: %w", err)
	}

	return c, nil
}

func (s *Stream) emitStatus(ctx context.Context, status string, reason string) {
	now := time.Now().UTC()

	data, err := json.Marshal(ConnectionStatusDTO{Status: status, Reason: reason, Timestamp: now})
	if err != nil {
		log.Errorf("Stream.emitStatus: failed to marshal status: %v", err)
		return
	}

	ev := &RawEvent{
		Channel:   ChannelStatus,
		Data:      data,
		Timestamp: now,
	}

	select {
	case s.out <- ev:
	case <-ctx.Done():
	}
}

// readLoop pumps frames until the connection breaks or ctx is cancelled.
func (s *Stream) readLoop(ctx context.Context, c *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		c.SetReadDeadline(time.Now().UTC().Add(readDeadline))
		_, message, err := c.ReadMessage()
		if err != nil {
			return err
		}

		var raw RawEvent
		if err := json.Unmarshal(message, &raw); err != nil {
			log.Errorf("Stream.readLoop: failed to unmarshal frame: %v", err)
			continue
		}

		if raw.Timestamp.IsZero() {
			raw.Timestamp = time.Now().UTC()
		}

		select {
		case s.out <- &raw:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Stream) run(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.out)

	connectedBefore := false

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c, err := s.connect()
		if err != nil {
			log.Errorf("Stream.run: %v", err)

			select {
			case <-ctx.Done():
				return
			case <-time.After(s.reconnectDelay):
			}

			if s.reconnectDelay < maxReconnectDelay {
				s.reconnectDelay *= 2
			}

			continue
		}

		s.reconnectDelay = initialReconnectDelay

		if connectedBefore {
			s.emitStatus(ctx, "reconnected", "")
		} else {
			s.emitStatus(ctx, "connected", "")
			connectedBefore = true
		}

		readErr := s.readLoop(ctx, c)
		c.Close()

		if ctx.Err() != nil {
			return
		}

		log.Errorf("Stream.run: read loop ended: %v", readErr)
		s.emitStatus(ctx, string("disconnected"), readErr.Error())
	}
}

func (s *Stream) Start(ctx context.Context) {
	s.wg.Add(1)

	log.Debug("Starting Stream...")

	go s.run(ctx)
}
