// Package call управляет аудио трактом одного звонка.
//
// Manager связывает сокет, шифрование направлений, кодеки, jitter buffer и аудио
// движок. Жизненный цикл: created -> initialized -> running -> stopping -> stopped.
// Start выполняет настройку синхронно и возвращает ошибку Setup при сбое любого
// шага; цикл приема работает в отдельной горутине до Stop.
//
// Ошибки отдельных пакетов (испорченные, поддельные, сбой сокета) логируются,
// учитываются в метриках и не прерывают звонок.
package call

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/securevoice/pkg/audio"
	"github.com/arzzra/securevoice/pkg/codec"
	"github.com/arzzra/securevoice/pkg/jitter"
	"github.com/arzzra/securevoice/pkg/network"
	"github.com/arzzra/securevoice/pkg/rtp"
)

// State состояние звонка
type State string

const (
	StateCreated     State = "created"
	StateInitialized State = "initialized"
	StateRunning     State = "running"
	StateStopping    State = "stopping"
	StateStopped     State = "stopped"
)

// События автомата
const (
	eventInit   = "init"
	eventStart  = "start"
	eventAbort  = "abort"
	eventStop   = "stop"
	eventFinish = "finish"
)

// Statistics снимок статистики звонка
type Statistics struct {
	CallID               string
	State                State
	Muted                bool
	ImprovisedTimestamps uint64
	Sender               network.SenderStatistics
	Receiver             network.ReceiverStatistics
	Jitter               jitter.Statistics
	Capture              audio.CaptureStatistics
	Playback             audio.PlaybackStatistics
}

// Manager аудио тракт звонка
type Manager struct {
	config  Config
	logger  logrus.FieldLogger
	metrics *Metrics
	fsm     *fsm.FSM

	// lifecycle сериализует Init, Start, Stop и Close
	lifecycle sync.Mutex

	muted atomic.Bool

	engine   audio.Engine
	sender   *network.Sender
	receiver *network.Receiver
	jitter   *jitter.Buffer
	capture  *audio.CaptureLoop
	playback *audio.PlaybackLoop

	cancel context.CancelFunc
	group  *errgroup.Group
	done   chan struct{}

	// Состояние цикла приема
	bytesReceived    uint64
	encodedFrameSize int
	frameSamples     int
	improvised       atomic.Uint64

	closed bool
}

// NewManager создает менеджер звонка без ввода-вывода
func NewManager(config Config) (*Manager, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, NewError(ErrorCodeSetup, config.CallID, "неверная конфигурация звонка", err)
	}

	m := &Manager{
		config:  config,
		logger:  config.Logger.WithFields(logrus.Fields{"component": "call", "call_id": config.CallID}),
		metrics: NewMetrics(config.Registerer, config.CallID),
	}

	m.fsm = fsm.NewFSM(
		string(StateCreated),
		fsm.Events{
			{Name: eventInit, Src: []string{string(StateCreated)}, Dst: string(StateInitialized)},
			{Name: eventStart, Src: []string{string(StateInitialized)}, Dst: string(StateRunning)},
			{Name: eventAbort, Src: []string{string(StateCreated), string(StateInitialized)}, Dst: string(StateStopped)},
			{Name: eventStop, Src: []string{string(StateRunning)}, Dst: string(StateStopping)},
			{Name: eventFinish, Src: []string{string(StateStopping)}, Dst: string(StateStopped)},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				m.logger.WithFields(logrus.Fields{"from": e.Src, "to": e.Dst}).Info("Состояние звонка изменено")
			},
		},
	)

	return m, nil
}

// CallID идентификатор звонка
func (m *Manager) CallID() string {
	return m.config.CallID
}

// State текущее состояние
func (m *Manager) State() State {
	return State(m.fsm.Current())
}

// Init готовит синхронизацию завершения цикла приема
func (m *Manager) Init() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if err := m.fsm.Event(context.Background(), eventInit); err != nil {
		return NewError(ErrorCodeInvalidState, m.config.CallID, "инициализация недоступна в состоянии "+m.fsm.Current(), err)
	}

	m.done = make(chan struct{})
	return nil
}

// Start поднимает аудио тракт и запускает цикл приема.
// Порядок: движок, кодеки, отправитель и получатель, jitter buffer, захват, воспроизведение.
// При ошибке созданное освобождается, звонок переходит в stopped.
// Отмена ctx завершает цикл приема (закрывается Done); звук освобождает Stop.
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if !m.fsm.Is(string(StateInitialized)) {
		return NewError(ErrorCodeInvalidState, m.config.CallID, "запуск недоступен в состоянии "+m.fsm.Current(), nil)
	}

	if err := m.setup(); err != nil {
		m.teardown()
		_ = m.fsm.Event(ctx, eventAbort)
		close(m.done)
		m.logger.WithError(err).Error("Ошибка запуска звонка")
		return NewError(ErrorCodeSetup, m.config.CallID, "ошибка запуска звонка", err)
	}

	if err := m.fsm.Event(ctx, eventStart); err != nil {
		m.teardown()
		close(m.done)
		return NewError(ErrorCodeInvalidState, m.config.CallID, "переход в running", err)
	}

	receiveCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	group, groupCtx := errgroup.WithContext(receiveCtx)
	m.group = group
	group.Go(func() error {
		return m.receiveLoop(groupCtx)
	})

	go func() {
		if err := group.Wait(); err != nil {
			m.logger.WithError(err).Error("Цикл приема завершился с ошибкой")
		}
		close(m.done)
	}()

	return nil
}

// setup шаги a-f запуска
func (m *Manager) setup() error {
	engine, err := m.config.NewEngine()
	if err != nil {
		return fmt.Errorf("создание аудио движка: %w", err)
	}
	m.engine = engine

	encoder, err := codec.New(m.config.PayloadType)
	if err != nil {
		return fmt.Errorf("кодер: %w", err)
	}
	if err := encoder.Init(); err != nil {
		return fmt.Errorf("инициализация кодера: %w", err)
	}
	decoder, err := codec.New(m.config.PayloadType)
	if err != nil {
		return fmt.Errorf("декодер: %w", err)
	}
	if err := decoder.Init(); err != nil {
		return fmt.Errorf("инициализация декодера: %w", err)
	}
	m.encodedFrameSize = decoder.EncodedFrameSize()
	m.frameSamples = decoder.FrameSamples()

	var echo codec.EchoCanceller
	if m.config.EchoCancellation {
		echo = codec.NewSuppressor(m.config.Echo)
	}

	sender, err := network.NewSender(network.SenderConfig{
		Conn:        m.config.Conn,
		RemoteAddr:  m.config.RemoteAddr,
		Parameters:  m.config.SendParameters,
		PayloadType: encoder.PayloadType(),
		Logger:      m.logger,
	})
	if err != nil {
		return fmt.Errorf("отправитель: %w", err)
	}
	if err := sender.Init(); err != nil {
		return err
	}
	m.sender = sender

	receiver, err := network.NewReceiver(network.ReceiverConfig{
		Conn:           m.config.Conn,
		Parameters:     m.config.ReceiveParameters,
		ReceiveTimeout: m.config.ReceiveTimeout,
		Logger:         m.logger,
	})
	if err != nil {
		return fmt.Errorf("получатель: %w", err)
	}
	if err := receiver.Init(); err != nil {
		return err
	}
	m.receiver = receiver

	jitterConfig := m.config.Jitter
	jitterConfig.Decoder = decoder
	jitterConfig.PayloadType = decoder.PayloadType()
	jitterConfig.FrameSamples = decoder.FrameSamples()
	jitterConfig.StatsHandler = m.metrics.observeJitter
	if jitterConfig.Logger == nil {
		jitterConfig.Logger = m.logger
	}
	buffer, err := jitter.New(jitterConfig)
	if err != nil {
		return fmt.Errorf("jitter buffer: %w", err)
	}
	m.jitter = buffer

	capture, err := audio.NewCaptureLoop(audio.CaptureConfig{
		Engine:           engine,
		Encoder:          encoder,
		EchoCanceller:    echo,
		Sender:           &meteredSender{sender: sender, metrics: m.metrics},
		FrameSamples:     encoder.FrameSamples(),
		QueueSize:        m.config.SendQueueSize,
		InitialTimestamp: randomInitialTimestamp(),
		Logger:           m.logger,
	})
	if err != nil {
		return fmt.Errorf("цикл захвата: %w", err)
	}
	capture.SetMuted(m.muted.Load())
	if err := capture.Start(); err != nil {
		return err
	}
	m.capture = capture

	playback, err := audio.NewPlaybackLoop(audio.PlaybackConfig{
		Engine:        engine,
		Source:        playbackSource(buffer, m.config.Clock),
		EchoCanceller: echo,
		FrameSamples:  decoder.FrameSamples(),
		Logger:        m.logger,
	})
	if err != nil {
		return fmt.Errorf("цикл воспроизведения: %w", err)
	}
	if err := playback.Start(); err != nil {
		return err
	}
	m.playback = playback

	m.logger.WithFields(logrus.Fields{
		"remote":       m.config.RemoteAddr.String(),
		"payload_type": encoder.PayloadType().String(),
	}).Info("Звонок запущен")
	return nil
}

// randomInitialTimestamp случайный ненулевой начальный timestamp: нулевой
// timestamp у собеседника означает, что его нужно восстановить по объему данных
func randomInitialTimestamp() uint32 {
	return rand.Uint32() | 1
}

// receiveLoop принимает пакеты до отмены ctx или закрытия сокета
func (m *Manager) receiveLoop(ctx context.Context) error {
	for {
		packet, err := m.receiver.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || network.IsClosed(err) {
				return nil
			}
			callErr := classifyPacketError(m.config.CallID, err)
			m.metrics.dropped(callErr.dropReason())
			m.logger.WithError(callErr).Debug("Пакет отброшен")
			continue
		}

		m.metrics.packetsReceived.Inc()

		if packet.Timestamp() == 0 {
			packet.SetTimestamp(m.improviseTimestamp())
			m.improvised.Add(1)
		}
		m.bytesReceived += uint64(packet.PayloadLen())

		if err := m.jitter.Insert(packet, m.config.Clock.Tick()); err != nil {
			if errors.Is(err, jitter.ErrStopped) {
				return nil
			}
			m.metrics.dropped(dropInsert)
			header := packet.Header()
			m.logger.WithError(err).WithFields(logrus.Fields{
				"sequence":     header.SequenceNumber,
				"timestamp":    header.Timestamp,
				"payload_type": rtp.PayloadType(header.PayloadType).String(),
				"ssrc":         header.SSRC,
			}).Debug("Пакет не принят jitter buffer")
		}
	}
}

// improviseTimestamp восстанавливает timestamp по объему принятых данных
func (m *Manager) improviseTimestamp() uint32 {
	if m.encodedFrameSize <= 0 {
		return 0
	}
	frames := m.bytesReceived / uint64(m.encodedFrameSize)
	return uint32(frames * uint64(m.frameSamples))
}

// SetMuted включает и выключает микрофон. Действует и до Start.
func (m *Manager) SetMuted(muted bool) {
	m.muted.Store(muted)

	m.lifecycle.Lock()
	capture := m.capture
	m.lifecycle.Unlock()

	if capture != nil {
		capture.SetMuted(muted)
	}
	m.logger.WithField("muted", muted).Info("Микрофон переключен")
}

// Done закрывается после завершения цикла приема
// (или сразу после неудачного Start). nil до Init.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Stop останавливает звонок: захват, воспроизведение и jitter buffer останавливаются
// с ожиданием текущих callback, затем дожидается выхода цикла приема.
// Повторный вызов безопасен.
func (m *Manager) Stop() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	return m.stopLocked()
}

func (m *Manager) stopLocked() error {
	switch State(m.fsm.Current()) {
	case StateRunning:
	case StateCreated:
		return m.fsm.Event(context.Background(), eventAbort)
	case StateInitialized:
		close(m.done)
		return m.fsm.Event(context.Background(), eventAbort)
	default:
		return nil
	}

	if err := m.fsm.Event(context.Background(), eventStop); err != nil {
		return NewError(ErrorCodeInvalidState, m.config.CallID, "остановка", err)
	}

	m.cancel()

	var errs []error
	if err := m.capture.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := m.playback.Stop(); err != nil {
		errs = append(errs, err)
	}
	m.jitter.Stop()

	<-m.done

	if err := m.fsm.Event(context.Background(), eventFinish); err != nil {
		errs = append(errs, err)
	}

	m.logger.Info("Звонок остановлен")
	return errors.Join(errs...)
}

// Close останавливает звонок, если он идет, и освобождает ресурсы:
// сначала производители (захват), затем потребители (воспроизведение, jitter buffer),
// затем сокет и аудио движок. Повторный вызов безопасен.
func (m *Manager) Close() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	errs := []error{m.stopLocked()}
	m.teardown()

	if err := m.config.Conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// teardown останавливает созданные подсистемы в порядке производитель -> потребитель
func (m *Manager) teardown() {
	if m.capture != nil {
		_ = m.capture.Stop()
	}
	if m.playback != nil {
		_ = m.playback.Stop()
	}
	if m.jitter != nil {
		m.jitter.Stop()
	}
	if m.engine != nil {
		_ = m.engine.Close()
	}
}

// Statistics возвращает снимок статистики звонка
func (m *Manager) Statistics() Statistics {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	stats := Statistics{
		CallID:               m.config.CallID,
		State:                State(m.fsm.Current()),
		Muted:                m.muted.Load(),
		ImprovisedTimestamps: m.improvised.Load(),
	}
	if m.sender != nil {
		stats.Sender = m.sender.Statistics()
	}
	if m.receiver != nil {
		stats.Receiver = m.receiver.Statistics()
	}
	if m.jitter != nil {
		stats.Jitter = m.jitter.Statistics()
	}
	if m.capture != nil {
		stats.Capture = m.capture.Statistics()
	}
	if m.playback != nil {
		stats.Playback = m.playback.Statistics()
	}
	return stats
}

// meteredSender считает отправленные и отброшенные пакеты
type meteredSender struct {
	sender  *network.Sender
	metrics *Metrics
}

func (s *meteredSender) Send(timestamp uint32, encoded []byte) error {
	if err := s.sender.Send(timestamp, encoded); err != nil {
		s.metrics.dropped(classifyPacketError("", err).dropReason())
		return err
	}
	s.metrics.packetsSent.Inc()
	return nil
}

var (
	_ audio.FrameSender = (*meteredSender)(nil)
	_ audio.AudioSource = (*jitter.Buffer)(nil)
)
