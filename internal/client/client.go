// Package client provides the transaction layer for SAJ H1 register
// communication: it issues read/write request frames over the transport,
// correlates asynchronous responses back to their requests and enforces
// timeouts and retries.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/h3llrais3r/ha-saj-h1-mqtt/internal/domain"
	"github.com/h3llrais3r/ha-saj-h1-mqtt/internal/protocol"
	"github.com/h3llrais3r/ha-saj-h1-mqtt/internal/pubsub"
)

// Transaction errors.
var (
	ErrTimeout             = errors.New("transaction timeout")
	ErrTransactionInFlight = errors.New("transaction already in flight")
	ErrTransport           = errors.New("transport error")
	ErrShortResponse       = errors.New("short register response")
)

// transactionKey identifies an in-flight request by operation and start
// register. Responses carry neither field; they only echo the request id,
// so a separate id index maps inbound frames back to their key.
type transactionKey struct {
	op       protocol.Operation
	register uint16
}

// pendingTransaction is one in-flight request. Owned exclusively by the
// Client; resolution and removal happen under the pending-table mutex.
type pendingTransaction struct {
	frame []byte // encoded request, republished on retry
	done  chan *protocol.Response
}

// Client issues register transactions against a single inverter.
type Client struct {
	serial     string
	transport  domain.Transport
	codec      *protocol.Codec
	timeout    time.Duration
	maxRetries int
	logger     zerolog.Logger

	mu      sync.Mutex
	pending map[transactionKey]*pendingTransaction
	ids     map[uint16]transactionKey // request id -> pending key

	commandTopic string
}

// New creates a client for the inverter with the given serial number.
func New(serial string, transport domain.Transport, timeout time.Duration, maxRetries int) *Client {
	logger := log.With().Str("component", "client").Str("serial", serial).Logger()
	return &Client{
		serial:       serial,
		transport:    transport,
		codec:        protocol.NewCodec(),
		timeout:      timeout,
		maxRetries:   maxRetries,
		logger:       logger,
		pending:      make(map[transactionKey]*pendingTransaction),
		ids:          make(map[uint16]transactionKey),
		commandTopic: pubsub.Topic(serial, pubsub.TopicDataTransmission),
	}
}

// Serial returns the inverter serial number this client targets.
func (c *Client) Serial() string {
	return c.serial
}

// Start subscribes to the inverter's response topic.
func (c *Client) Start(_ context.Context) error {
	rspTopic := pubsub.Topic(c.serial, pubsub.TopicDataTransmissionRsp)
	if err := c.transport.Subscribe(rspTopic, c.handleFrame); err != nil {
		return fmt.Errorf("failed to subscribe to response topic: %w", err)
	}
	return nil
}

// handleFrame processes one inbound response frame. It must not block: it
// resolves the matching pending transaction (if any) via a buffered channel
// and returns. Responses with no pending match are duplicates or stale
// retransmissions and are discarded.
func (c *Client) handleFrame(_ string, payload []byte) {
	rsp, err := c.codec.Decode(payload)
	if err != nil {
		c.logger.Debug().Err(err).Msg("Discarding undecodable frame")
		return
	}

	c.mu.Lock()
	key, found := c.ids[rsp.RequestID]
	var txn *pendingTransaction
	if found {
		txn = c.pending[key]
		delete(c.ids, rsp.RequestID)
		delete(c.pending, key)
	}
	c.mu.Unlock()

	if !found {
		c.logger.Debug().
			Str("operation", rsp.Operation.String()).
			Uint16("request_id", rsp.RequestID).
			Msg("No pending transaction for response, discarding")
		return
	}

	select {
	case txn.done <- rsp:
	default:
	}
}

// Issue publishes a request frame and waits for the matching response. On
// timeout the frame is republished up to maxRetries times before the
// transaction fails with ErrTimeout. A second Issue for the same
// operation+register while one is pending fails fast with
// ErrTransactionInFlight. Transport publish failures surface immediately as
// ErrTransport and are never retried here.
func (c *Client) Issue(ctx context.Context, op protocol.Operation, register, arg uint16) (*protocol.Response, error) {
	if op != protocol.OperationRead && op != protocol.OperationWrite {
		return nil, fmt.Errorf("unsupported operation: %s", op)
	}

	key := transactionKey{op: op, register: register}
	txn := &pendingTransaction{done: make(chan *protocol.Response, 1)}

	c.mu.Lock()
	if _, inFlight := c.pending[key]; inFlight {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s register 0x%04x", ErrTransactionInFlight, op, register)
	}
	requestID := uint16(rand.Uint32())
	for {
		if _, taken := c.ids[requestID]; !taken {
			break
		}
		requestID++
	}
	c.pending[key] = txn
	c.ids[requestID] = key
	c.mu.Unlock()
	defer c.remove(key, requestID, txn)

	if op == protocol.OperationRead {
		txn.frame = c.codec.EncodeRead(requestID, register, arg)
	} else {
		txn.frame = c.codec.EncodeWrite(requestID, register, arg)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	for attempt := 0; ; attempt++ {
		if err := c.transport.PublishRaw(ctx, c.commandTopic, txn.frame); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransport, err)
		}

		c.logger.Debug().
			Str("operation", op.String()).
			Uint16("register", register).
			Uint16("request_id", requestID).
			Int("attempt", attempt+1).
			Msg("Published request frame")

		select {
		case rsp := <-txn.done:
			return rsp, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			if attempt >= c.maxRetries {
				return nil, fmt.Errorf("%w: %s register 0x%04x after %d attempts",
					ErrTimeout, op, register, attempt+1)
			}
			c.logger.Warn().
				Str("operation", op.String()).
				Uint16("register", register).
				Int("attempt", attempt+1).
				Msg("No response within timeout, retrying")
			timer.Reset(c.timeout)
		}
	}
}

// remove drops the transaction from the pending table and the id index if
// it is still the registered one. A response that resolved it first already
// removed it.
func (c *Client) remove(key transactionKey, requestID uint16, txn *pendingTransaction) {
	c.mu.Lock()
	if current, ok := c.pending[key]; ok && current == txn {
		delete(c.pending, key)
		delete(c.ids, requestID)
	}
	c.mu.Unlock()
}

// PendingCount returns the number of in-flight transactions.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// ReadRegisters reads count registers starting at register. Reads larger
// than one frame's capacity are split into sequential chunk transactions
// whose payloads are reassembled in chunk order; the caller's context bounds
// the whole read, so a chunk that never arrives fails the entire read.
func (c *Client) ReadRegisters(ctx context.Context, register, count uint16) ([]byte, error) {
	data := make([]byte, 0, int(count)*2)

	for count > 0 {
		chunk := count
		if chunk > protocol.MaxRegistersPerQuery {
			chunk = protocol.MaxRegistersPerQuery
		}

		rsp, err := c.Issue(ctx, protocol.OperationRead, register, chunk)
		if err != nil {
			return nil, err
		}
		if len(rsp.Payload) < int(chunk)*2 {
			return nil, fmt.Errorf("%w: register 0x%04x returned %d bytes, expected %d",
				ErrShortResponse, register, len(rsp.Payload), int(chunk)*2)
		}
		data = append(data, rsp.Payload[:int(chunk)*2]...)

		register += chunk
		count -= chunk
	}

	return data, nil
}

// WriteRegister writes value to register. A successful return confirms the
// device echoed acceptance of the write, not that the value took
// functionally.
func (c *Client) WriteRegister(ctx context.Context, register, value uint16) error {
	_, err := c.Issue(ctx, protocol.OperationWrite, register, value)
	if err != nil {
		return err
	}
	c.logger.Debug().
		Uint16("register", register).
		Uint16("value", value).
		Msg("Write confirmed by device echo")
	return nil
}
