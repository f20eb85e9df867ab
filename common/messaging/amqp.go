package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/kyungseok/msa-order-saga/common/config"
	domainerrors "github.com/kyungseok/msa-order-saga/common/errors"
	"github.com/kyungseok/msa-order-saga/common/retry"
)

const (
	maxReconnectBackoff = 30 * time.Second
	publishTimeout      = 5 * time.Second
)

// Publisher AMQP 메시지 발행 인터페이스
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// Client 재연결과 토폴로지 선언을 담당하는 RabbitMQ 클라이언트
type Client struct {
	url    string
	logger *zap.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	pubChan *amqp.Channel
	queues  []config.QueueSpec

	closed    chan struct{}
	closeOnce sync.Once
	reconnect chan struct{}
}

// Connect 연결 후 재연결 감시 고루틴 시작
func Connect(ctx context.Context, url string, logger *zap.Logger) (*Client, error) {
	client := &Client{
		url:       url,
		logger:    logger,
		closed:    make(chan struct{}),
		reconnect: make(chan struct{}, 1),
	}

	// 최초 연결은 한 번만 시도하고 이후 재시도는 watcher 가 맡는다
	if err := client.connectOnce(ctx); err != nil {
		return nil, err
	}

	go client.watch()

	return client, nil
}

// DeclareQueue 큐, dead-letter exchange, dead-letter 큐를 선언하고 재연결 시 재선언 대상으로 등록
func (c *Client) DeclareQueue(spec config.QueueSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pubChan == nil || c.pubChan.IsClosed() {
		return errors.New("rabbitmq: publish channel is not open")
	}
	if err := declareQueue(c.pubChan, spec); err != nil {
		return err
	}
	c.queues = append(c.queues, spec)
	return nil
}

// NewConsumerChannel prefetch 가 적용된 새 채널 반환
func (c *Client) NewConsumerChannel(prefetch int) (*amqp.Channel, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || conn.IsClosed() {
		return nil, errors.New("rabbitmq: connection is not ready")
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}

	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			_ = ch.Close()
			return nil, err
		}
	}

	return ch, nil
}

// Publish 영속 메시지 발행 후 publisher confirm 대기
func (c *Client) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	c.mu.RLock()
	ch := c.pubChan
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || conn.IsClosed() || ch == nil || ch.IsClosed() {
		return domainerrors.Wrap(domainerrors.ErrCodeUnavailable, "rabbitmq publish channel is not open", nil)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, publishTimeout)
		defer cancel()
	}

	if msg.DeliveryMode == 0 {
		msg.DeliveryMode = amqp.Persistent
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	return publishConfirmed(ctx, ch, exchange, routingKey, msg)
}

// Ready 연결 상태 (health 체크용)
func (c *Client) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.conn.IsClosed()
}

// Close 감시 고루틴 중지 및 AMQP 리소스 정리
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.closed) })

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pubChan != nil {
		_ = c.pubChan.Close()
		c.pubChan = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// confirmPublisher 확인 모드 채널에서 발행할 수 있는 채널
type confirmPublisher interface {
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
}

func publishConfirmed(ctx context.Context, ch confirmPublisher, exchange, routingKey string, msg amqp.Publishing) error {
	confirmation, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		return domainerrors.Transient("failed to publish message", err)
	}

	// 확인 모드가 아닌 채널은 nil 을 돌려준다
	if confirmation == nil {
		return nil
	}

	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return domainerrors.Transient("publish confirm not received", err)
	}
	if !acked {
		return domainerrors.Wrap(domainerrors.ErrCodeUnavailable, "broker rejected published message", nil)
	}
	return nil
}

func (c *Client) connectOnce(ctx context.Context) error {
	start := time.Now()

	conn, err := amqp.DialConfig(c.url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(10 * time.Second),
	})
	if err != nil {
		return fmt.Errorf("failed to dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	c.mu.Lock()
	// 재연결 시 등록된 토폴로지 재선언
	for _, spec := range c.queues {
		if err := declareQueue(ch, spec); err != nil {
			c.mu.Unlock()
			_ = ch.Close()
			_ = conn.Close()
			return err
		}
	}
	c.conn = conn
	if c.pubChan != nil {
		_ = c.pubChan.Close()
	}
	c.pubChan = ch
	c.mu.Unlock()

	go func() {
		connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
		chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-c.closed:
			return
		case <-connClosed:
		case <-chClosed:
		}

		select {
		case c.reconnect <- struct{}{}:
		default:
		}
	}()

	c.logger.Info("connected to rabbitmq",
		zap.Int64("durationMs", time.Since(start).Milliseconds()),
		zap.Int("queues", len(c.queues)))

	return nil
}

// watch 끊어진 연결을 상한 있는 지수 백오프로 재연결
func (c *Client) watch() {
	backoff := time.Second
	for {
		select {
		case <-c.closed:
			return
		case <-c.reconnect:
		}

		for {
			select {
			case <-c.closed:
				return
			default:
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := c.connectOnce(ctx)
			cancel()

			if err == nil {
				backoff = time.Second
				c.logger.Info("reconnected to rabbitmq")
				break
			}

			c.logger.Error("rabbitmq reconnect failed",
				zap.Error(err),
				zap.Duration("backoff", backoff))

			select {
			case <-c.closed:
				return
			case <-time.After(backoff):
			}
			backoff = retry.NextBackoff(backoff, maxReconnectBackoff)
		}
	}
}

// queueDeclarer 토폴로지 선언에 필요한 채널 메서드
type queueDeclarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

func declareQueue(ch queueDeclarer, spec config.QueueSpec) error {
	if err := ch.ExchangeDeclare(spec.DeadLetterExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter exchange %s: %w", spec.DeadLetterExchange, err)
	}

	if _, err := ch.QueueDeclare(spec.DeadLetterQueue, true, false, false, false, deadLetterQueueArgs(spec)); err != nil {
		return fmt.Errorf("failed to declare dead-letter queue %s: %w", spec.DeadLetterQueue, err)
	}

	if err := ch.QueueBind(spec.DeadLetterQueue, deadLetterRoutingKey(spec), spec.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind dead-letter queue %s: %w", spec.DeadLetterQueue, err)
	}

	if _, err := ch.QueueDeclare(spec.Name, spec.Durable, false, false, false, queueArgs(spec)); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", spec.Name, err)
	}
	return nil
}

// queueArgs 작업 큐 인자. 내구성 큐는 quorum 큐로 선언해 x-delivery-count 를 받는다.
func queueArgs(spec config.QueueSpec) amqp.Table {
	args := amqp.Table{
		"x-dead-letter-exchange":    spec.DeadLetterExchange,
		"x-dead-letter-routing-key": deadLetterRoutingKey(spec),
	}
	if spec.Durable {
		args["x-queue-type"] = "quorum"
		// 컨슈머가 settle 하지 못하고 반복해서 죽는 경우의 브로커 측 안전장치
		args["x-delivery-limit"] = int64(spec.RetryCeiling + 2)
	}
	if spec.MessageTTL > 0 {
		args["x-message-ttl"] = spec.MessageTTL.Milliseconds()
	}
	return args
}

func deadLetterQueueArgs(spec config.QueueSpec) amqp.Table {
	if spec.DeadLetterTTL <= 0 {
		return nil
	}
	return amqp.Table{"x-message-ttl": spec.DeadLetterTTL.Milliseconds()}
}

func deadLetterRoutingKey(spec config.QueueSpec) string {
	if spec.DeadLetterRoutingKey != "" {
		return spec.DeadLetterRoutingKey
	}
	return spec.DeadLetterQueue
}
