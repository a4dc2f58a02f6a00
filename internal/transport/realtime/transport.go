package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

const (
	defaultDialTimeout       = 10 * time.Second
	defaultWriteTimeout      = 10 * time.Second
	defaultHeartbeatInterval = 25 * time.Second
	defaultReconnectDelay    = 3 * time.Second
)

var (
	realtimeConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "possync_realtime_connected",
		Help: "Whether the realtime websocket connection is currently established.",
	})
	realtimeEventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "possync_realtime_events_received_total",
		Help: "Total number of change events received grouped by entity.",
	}, []string{"entity"})
	realtimeReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "possync_realtime_reconnects_total",
		Help: "Total number of websocket reconnect attempts.",
	})
)

// Settings задаёт таймауты websocket-транспорта.
type Settings struct {
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
}

// DefaultSettings возвращает таймауты по умолчанию.
func DefaultSettings() Settings {
	return Settings{
		DialTimeout:       defaultDialTimeout,
		WriteTimeout:      defaultWriteTimeout,
		HeartbeatInterval: defaultHeartbeatInterval,
		ReconnectDelay:    defaultReconnectDelay,
	}
}

// wireMessage — кадр протокола потока изменений.
type wireMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// joinPayload — аргументы подписки канала.
type joinPayload struct {
	Entity    string `json:"entity"`
	Event     string `json:"event"`
	RowFilter string `json:"row_filter,omitempty"`
}

// Transport — websocket-клиент серверного потока изменений. Держит одно
// соединение на процесс; каждый канал подписки мультиплексируется по topic.
// Соединение автоматически восстанавливается, и после reconnect транспорт
// сам заново открывает все живые каналы по их дескрипторам.
type Transport struct {
	url      string
	apiKey   string
	settings Settings
	logger   *log.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	channels map[string]*channelState
	send     chan wireMessage
	closed   bool

	connected atomic.Bool
}

type channelState struct {
	desc    domain.ChannelDescriptor
	handler domain.EventHandler
}

// New создаёт транспорт и запускает цикл соединения в фоне.
func New(ctx context.Context, url, apiKey string, settings Settings, logger *log.Entry) *Transport {
	if logger == nil {
		logger = log.WithField("component", "realtime-transport")
	}
	if settings.DialTimeout <= 0 {
		settings.DialTimeout = defaultDialTimeout
	}
	if settings.WriteTimeout <= 0 {
		settings.WriteTimeout = defaultWriteTimeout
	}
	if settings.HeartbeatInterval <= 0 {
		settings.HeartbeatInterval = defaultHeartbeatInterval
	}
	if settings.ReconnectDelay <= 0 {
		settings.ReconnectDelay = defaultReconnectDelay
	}

	runCtx, cancel := context.WithCancel(ctx)
	t := &Transport{
		url:      url,
		apiKey:   apiKey,
		settings: settings,
		logger:   logger,
		ctx:      runCtx,
		cancel:   cancel,
		channels: make(map[string]*channelState),
		send:     make(chan wireMessage, 64),
	}
	go t.run()
	return t
}

// OpenChannel регистрирует канал и отправляет join. Доставка событий канала
// идёт последовательно из читающей горутины соединения.
func (t *Transport) OpenChannel(_ context.Context, desc domain.ChannelDescriptor, handler domain.EventHandler) (domain.ChannelCloser, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, domain.ErrTransportClosed
	}
	t.channels[desc.ChannelID] = &channelState{desc: desc, handler: handler}
	t.mu.Unlock()

	t.enqueue(joinMessage(desc))
	return &channelCloser{transport: t, channelID: desc.ChannelID}, nil
}

// Connected сообщает, установлено ли websocket-соединение в данный момент.
func (t *Transport) Connected() bool {
	return t.connected.Load()
}

// Close останавливает цикл соединения и закрывает все каналы.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.channels = make(map[string]*channelState)
	t.mu.Unlock()
	t.cancel()
	return nil
}

type channelCloser struct {
	transport *Transport
	channelID string
}

func (c *channelCloser) Close() error {
	t := c.transport

	t.mu.Lock()
	state, ok := t.channels[c.channelID]
	if ok {
		delete(t.channels, c.channelID)
	}
	t.mu.Unlock()

	if ok {
		t.enqueue(wireMessage{Topic: topicFor(state.desc), Event: "phx_leave"})
	}
	return nil
}

// enqueue кладёт кадр в очередь отправки; при переполненном буфере кадр
// отбрасывается — join будет повторён при следующем reconnect.
func (t *Transport) enqueue(msg wireMessage) {
	select {
	case t.send <- msg:
	default:
		t.logger.WithField("event", msg.Event).Warn("send buffer full, dropping frame")
	}
}

// run держит соединение открытым до отмены контекста: dial, rejoin всех
// каналов, насос записи с heartbeat и читающий цикл; после обрыва — пауза
// и новая попытка.
func (t *Transport) run() {
	defer realtimeConnected.Set(0)

	for {
		if t.ctx.Err() != nil {
			return
		}

		conn, err := t.dial()
		if err != nil {
			realtimeReconnects.Inc()
			t.logger.WithError(err).Warn("realtime dial failed")
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(t.settings.ReconnectDelay):
				continue
			}
		}

		realtimeConnected.Set(1)
		t.connected.Store(true)
		t.logger.Info("realtime connection established")
		t.rejoinAll()
		t.serve(conn)
		t.connected.Store(false)
		realtimeConnected.Set(0)

		select {
		case <-t.ctx.Done():
			return
		case <-time.After(t.settings.ReconnectDelay):
			realtimeReconnects.Inc()
		}
	}
}

func (t *Transport) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: t.settings.DialTimeout}
	url := t.url
	if t.apiKey != "" {
		url = fmt.Sprintf("%s?apikey=%s", t.url, t.apiKey)
	}
	conn, _, err := dialer.DialContext(t.ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial realtime endpoint: %w", err)
	}
	return conn, nil
}

// rejoinAll ставит join в очередь для всех живых каналов; вызывается после
// каждого установления соединения, чтобы подписки переживали reconnect.
func (t *Transport) rejoinAll() {
	t.mu.Lock()
	descs := make([]domain.ChannelDescriptor, 0, len(t.channels))
	for _, state := range t.channels {
		descs = append(descs, state.desc)
	}
	t.mu.Unlock()

	for _, desc := range descs {
		t.enqueue(joinMessage(desc))
	}
}

// serve обслуживает одно соединение до первого сбоя чтения или записи.
func (t *Transport) serve(conn *websocket.Conn) {
	defer conn.Close()

	serveCtx, cancel := context.WithCancel(t.ctx)
	defer cancel()

	// Насос записи: очередь кадров плюс периодический heartbeat.
	go func() {
		defer cancel()

		heartbeat := time.NewTicker(t.settings.HeartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case <-serveCtx.Done():
				return
			case msg := <-t.send:
				conn.SetWriteDeadline(time.Now().Add(t.settings.WriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					t.logger.WithError(err).Warn("realtime write failed")
					return
				}
			case <-heartbeat.C:
				conn.SetWriteDeadline(time.Now().Add(t.settings.WriteTimeout))
				hb := wireMessage{Topic: "phoenix", Event: "heartbeat"}
				if err := conn.WriteJSON(hb); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-serveCtx.Done():
			return
		default:
		}

		var msg wireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if serveCtx.Err() == nil {
				t.logger.WithError(err).Warn("realtime read failed")
			}
			return
		}
		t.handleFrame(msg)
	}
}

func (t *Transport) handleFrame(msg wireMessage) {
	switch msg.Event {
	case "change":
		var event domain.ChangeEvent
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			t.logger.WithError(err).Warn("failed to decode change event")
			return
		}
		realtimeEventsReceived.WithLabelValues(event.Entity).Inc()
		t.dispatch(msg.Topic, event)
	case "phx_reply", "heartbeat":
		// Служебные кадры интереса не представляют.
	default:
		t.logger.WithField("event", msg.Event).Debug("ignoring unknown frame")
	}
}

// dispatch доставляет событие обработчику канала, которому адресован topic.
func (t *Transport) dispatch(topic string, event domain.ChangeEvent) {
	t.mu.Lock()
	var handler domain.EventHandler
	for _, state := range t.channels {
		if topicFor(state.desc) == topic {
			handler = state.handler
			break
		}
	}
	t.mu.Unlock()

	if handler != nil {
		handler(event)
	}
}

func joinMessage(desc domain.ChannelDescriptor) wireMessage {
	payload, _ := json.Marshal(joinPayload{
		Entity:    desc.Entity,
		Event:     string(desc.Event),
		RowFilter: desc.RowFilter,
	})
	return wireMessage{Topic: topicFor(desc), Event: "phx_join", Payload: payload}
}

// topicFor строит уникальный topic канала: идентификатор регистрации входит
// в topic, поэтому параллельные подписки на одну сущность не пересекаются.
func topicFor(desc domain.ChannelDescriptor) string {
	return fmt.Sprintf("changes:%s:%s", desc.Entity, desc.ChannelID)
}

var _ domain.ChangeTransport = (*Transport)(nil)
