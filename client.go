package gruporder

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/gruporder/gruporder/pkg/logger"
	"github.com/gruporder/gruporder/pkg/models"
	"github.com/gruporder/gruporder/pkg/realtime"
	"github.com/gruporder/gruporder/pkg/store"
)

const defaultDialTimeout = 10 * time.Second

// ChannelOpener hands out broker channels for topics, dialing or
// redialing the underlying connection as needed. *connManager is the
// production implementation; tests substitute fakes.
type ChannelOpener interface {
	Channel(topic string) (realtime.Channel, error)
	Close() error
}

// Config assembles a Client. Store is required; either BrokerURL or
// Channels must be set.
type Config struct {
	// BrokerURL is the websocket endpoint of the realtime broker,
	// e.g. "ws://host/realtime".
	BrokerURL string

	// Channels overrides the default broker connection management.
	Channels ChannelOpener

	Store store.Store

	// WriteTimeout is the hard per-write deadline applied to the store.
	// Zero means store.DefaultWriteTimeout.
	WriteTimeout time.Duration

	Logger logger.Logger
}

// Client is the entry point of the sync engine. It owns the store
// handle and the broker connection; each joined session gets its own
// [SessionSync] on top of them. All collaborators travel in explicit
// fields, there is no package-level state.
type Client struct {
	store    store.Store
	channels ChannelOpener
	logger   logger.Logger
}

// NewClient validates the config and builds a client. The store is
// wrapped with the hard write timeout unless it already is.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Store == nil {
		return nil, errors.New("gruporder: config requires a store")
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	channels := cfg.Channels
	if channels == nil {
		if cfg.BrokerURL == "" {
			return nil, errors.New("gruporder: config requires a broker url or a channel opener")
		}
		channels = newConnManager(cfg.BrokerURL, log)
	}

	st := cfg.Store
	if _, wrapped := st.(*store.TimeoutStore); !wrapped {
		st = store.NewTimeoutStore(st, cfg.WriteTimeout)
	}

	return &Client{
		store:    st,
		channels: channels,
		logger:   log,
	}, nil
}

// CreateSession creates a session with its merchants. Merchant menu
// payloads are whatever the caller fetched; a failed catalog fetch for
// one merchant never blocks session creation.
func (c *Client) CreateSession(ctx context.Context, name string, merchants []models.Merchant) (*models.Session, error) {
	session := &models.Session{
		ID:        models.NewSessionID(),
		Name:      name,
		Merchants: merchants,
	}
	for i := range session.Merchants {
		session.Merchants[i].SessionID = session.ID
	}
	if err := c.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("gruporder: failed to create session: %w", err)
	}
	return session, nil
}

// Session fetches a session with its merchants.
func (c *Client) Session(ctx context.Context, id models.SessionID) (*models.Session, error) {
	session, err := c.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, store.ErrSessionNotFound
	}
	return session, nil
}

// Sync joins a session as userName and returns the live session view.
// The initial order and message lists are loaded before any subscription
// starts, so the view is never empty while the feed catches up.
func (c *Client) Sync(ctx context.Context, sessionID models.SessionID, userName string) (*SessionSync, error) {
	session, err := c.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return newSessionSync(ctx, c, *session, userName)
}

// Close releases the broker connection and the store handle.
func (c *Client) Close() error {
	return errors.Join(c.channels.Close(), c.store.Close())
}

// connManager lazily dials the broker and redials whenever the previous
// connection has died. A connection never recovers from a read failure,
// so every resubscribe after an outage flows through here and gets a
// fresh one.
type connManager struct {
	url    string
	logger logger.Logger

	mu     gosync.Mutex
	conn   *realtime.Conn
	closed bool
}

func newConnManager(url string, log logger.Logger) *connManager {
	return &connManager{url: url, logger: log}
}

func (m *connManager) Channel(topic string) (realtime.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errors.New("gruporder: client is closed")
	}
	if m.conn == nil || m.conn.IsClosed() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultDialTimeout)
		defer cancel()
		conn, err := realtime.Dial(ctx, m.url, m.logger)
		if err != nil {
			return nil, err
		}
		m.conn = conn
	}
	return m.conn.Channel(topic), nil
}

func (m *connManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.conn == nil {
		return nil
	}
	return m.conn.Close()
}
