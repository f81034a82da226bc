package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"parkline/internal/broker"
	"parkline/internal/rpc"
	"parkline/pkg/codec"
	"parkline/pkg/platform/sentinel"
	"parkline/pkg/requestcontext"
)

// =============================================================================
// Dispatcher Test Suite
// =============================================================================
// Requests travel the real path: rpc.Channel -> MemoryNetwork -> Dispatcher
// -> handler -> reply destination.

const requestDest = "parkline.requests"

type plate struct {
	Plate string `cbor:"plate"`
}

type DispatcherSuite struct {
	suite.Suite
	network    *broker.MemoryNetwork
	cluster    *broker.Cluster
	channel    *rpc.Channel
	metrics    *Metrics
	dispatcher *Dispatcher
	cancel     context.CancelFunc
	done       chan error
}

func TestDispatcherSuite(t *testing.T) {
	suite.Run(t, new(DispatcherSuite))
}

func (s *DispatcherSuite) SetupTest() {
	s.network = broker.NewMemoryNetwork("node-a", "node-b")
	cluster, err := broker.Connect(context.Background(), s.network, broker.Config{
		Nodes:        []string{"node-a", "node-b"},
		CycleBackoff: 5 * time.Millisecond,
	})
	s.Require().NoError(err)
	s.cluster = cluster

	s.channel, err = rpc.NewChannel(context.Background(), cluster, rpc.Config{RequestDestination: requestDest})
	s.Require().NoError(err)

	s.metrics = NewMetrics(prometheus.NewRegistry())
	s.dispatcher = s.newDispatcher(Config{Destination: requestDest})
	s.done = nil
}

func (s *DispatcherSuite) TearDownTest() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
		s.cancel = nil
	}
	_ = s.channel.Close()
	_ = s.cluster.Close()
}

func (s *DispatcherSuite) newDispatcher(cfg Config) *Dispatcher {
	d, err := New(s.cluster, cfg, WithMetrics(s.metrics))
	s.Require().NoError(err)
	d.RegisterFunc(rpc.OpGetCitations, func(ctx context.Context, req *rpc.Request) (any, error) {
		var in plate
		if err := req.Decode(&in); err != nil {
			return nil, err
		}
		return plate{Plate: "seen:" + in.Plate}, nil
	})
	return d
}

func (s *DispatcherSuite) start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan error, 1)
	go func() { s.done <- s.dispatcher.Run(ctx) }()
}

func (s *DispatcherSuite) call(op rpc.Operation, payload any, opts ...rpc.CallOption) *rpc.Reply {
	reply, err := s.channel.Call(context.Background(), op, payload, time.Second, opts...)
	s.Require().NoError(err)
	return reply
}

// =============================================================================
// Construction
// =============================================================================

func (s *DispatcherSuite) TestNew() {
	s.Run("destination is required", func() {
		_, err := New(s.cluster, Config{})
		s.Error(err)
	})

	s.Run("transport is required", func() {
		_, err := New(nil, Config{Destination: requestDest})
		s.Error(err)
	})

	s.Run("defaults are applied", func() {
		d, err := New(s.cluster, Config{Destination: requestDest})
		s.Require().NoError(err)
		s.Equal(defaultGroup, d.cfg.Group)
		s.Equal(defaultIdempotencyTTL, d.cfg.IdempotencyTTL)
		s.Equal(defaultHandlerTimeout, d.cfg.HandlerTimeout)
	})
}

// =============================================================================
// Routing and Replies
// =============================================================================

func (s *DispatcherSuite) TestRoutesByOperation() {
	s.start()

	reply := s.call(rpc.OpGetCitations, plate{Plate: "12-345-67"})
	s.Require().True(reply.OK())
	var out plate
	s.Require().NoError(reply.Decode(&out))
	s.Equal("seen:12-345-67", out.Plate)
	s.Equal(1.0, promtest.ToFloat64(s.metrics.Requests.WithLabelValues(string(rpc.OpGetCitations), "OK")))
}

func (s *DispatcherSuite) TestUnknownOperation() {
	s.start()

	reply := s.call(rpc.Operation("Teleport"), plate{})
	s.False(reply.OK())
	s.Equal(rpc.CodeUnknownOperation, reply.Error.Code)
	s.Contains(reply.Error.Message, "Teleport")
	s.Equal(1.0, promtest.ToFloat64(s.metrics.Requests.WithLabelValues(unknownOperationLabel, string(rpc.CodeUnknownOperation))))
}

func (s *DispatcherSuite) TestHandlerErrorsBecomeErrorReplies() {
	s.dispatcher.RegisterFunc(rpc.OpGetTransactions, func(ctx context.Context, req *rpc.Request) (any, error) {
		return nil, fmt.Errorf("load transactions: %w", sentinel.ErrUnavailable)
	})
	s.start()

	s.Run("storage outage", func() {
		reply := s.call(rpc.OpGetTransactions, plate{})
		s.Equal(rpc.CodeStorageUnavailable, reply.Error.Code)
	})

	s.Run("malformed payload", func() {
		reply := s.call(rpc.OpGetCitations, []byte("not a plate"))
		s.Equal(rpc.CodeBadRequest, reply.Error.Code)
	})
}

func (s *DispatcherSuite) TestPanicBecomesInternalReplyAndLoopSurvives() {
	s.dispatcher.RegisterFunc(rpc.OpReportCitation, func(ctx context.Context, req *rpc.Request) (any, error) {
		panic("nil officer")
	})
	s.start()

	reply := s.call(rpc.OpReportCitation, plate{})
	s.False(reply.OK())
	s.Equal(rpc.CodeInternal, reply.Error.Code)
	s.Equal(1.0, promtest.ToFloat64(s.metrics.Panics))

	next := s.call(rpc.OpGetCitations, plate{Plate: "after"})
	s.True(next.OK())
}

func (s *DispatcherSuite) TestHandlerSeesRequestContext() {
	seen := make(chan string, 1)
	s.dispatcher.RegisterFunc(rpc.OpGetTransactions, func(ctx context.Context, req *rpc.Request) (any, error) {
		seen <- requestcontext.CorrelationID(ctx)
		return nil, nil
	})
	s.start()

	call := s.channel.Go(context.Background(), requestDest, rpc.OpGetTransactions, plate{}, time.Second)
	reply, err := call.Wait()
	s.Require().NoError(err)
	s.True(reply.OK())
	s.Equal(call.CorrelationID, <-seen)
}

func (s *DispatcherSuite) TestExactlyOneReplyPerRequest() {
	s.start()

	replyTo := "test.replies"
	sub, err := s.cluster.Subscribe(context.Background(), replyTo, broker.AutoDelete())
	s.Require().NoError(err)
	defer sub.Close()

	const n = 10
	for i := 0; i < n; i++ {
		msg, err := rpc.EncodeRequest(&rpc.Request{
			Operation:     rpc.OpGetCitations,
			CorrelationID: fmt.Sprintf("corr-%d", i),
			ReplyTo:       replyTo,
			Payload:       mustRaw(s.T(), plate{Plate: "p"}),
		})
		s.Require().NoError(err)
		s.Require().NoError(s.cluster.Publish(context.Background(), requestDest, msg))
	}

	counts := map[string]int{}
	deadline := time.After(time.Second)
	for received := 0; received < n; {
		select {
		case msg := <-sub.Messages():
			reply, err := rpc.DecodeReply(msg)
			s.Require().NoError(err)
			counts[reply.CorrelationID]++
			received++
		case <-deadline:
			s.FailNow("missing replies", "got %d of %d", received, n)
		}
	}

	select {
	case msg := <-sub.Messages():
		s.Failf("unexpected extra reply", "key %s", msg.Key)
	case <-time.After(50 * time.Millisecond):
	}
	for i := 0; i < n; i++ {
		s.Equal(1, counts[fmt.Sprintf("corr-%d", i)])
	}
}

func (s *DispatcherSuite) TestUnanswerableRequestsAreDropped() {
	var invoked atomic.Int32
	s.dispatcher.RegisterFunc(rpc.OpReserveSpace, func(ctx context.Context, req *rpc.Request) (any, error) {
		invoked.Add(1)
		return nil, nil
	})
	s.start()

	noReply, err := rpc.EncodeRequest(&rpc.Request{Operation: rpc.OpReserveSpace, CorrelationID: "c1"})
	s.Require().NoError(err)
	s.Require().NoError(s.cluster.Publish(context.Background(), requestDest, noReply))
	s.Require().NoError(s.cluster.Publish(context.Background(), requestDest, broker.Message{Body: []byte{0xff, 0x00}}))

	s.Eventually(func() bool {
		return promtest.ToFloat64(s.metrics.Dropped.WithLabelValues(dropNoReplyTo)) == 1 &&
			promtest.ToFloat64(s.metrics.Dropped.WithLabelValues(dropUndecodable)) == 1
	}, time.Second, 5*time.Millisecond)
	s.Equal(int32(0), invoked.Load())

	s.True(s.call(rpc.OpGetCitations, plate{}).OK(), "loop keeps serving")
}

// =============================================================================
// Idempotency
// =============================================================================

func (s *DispatcherSuite) TestIdempotentReplay() {
	var invoked atomic.Int32
	s.dispatcher.RegisterFunc(rpc.OpReserveSpace, func(ctx context.Context, req *rpc.Request) (any, error) {
		n := invoked.Add(1)
		return plate{Plate: fmt.Sprintf("reservation-%d", n)}, nil
	})
	s.start()

	first := s.call(rpc.OpReserveSpace, plate{}, rpc.WithIdempotencyKey("k-1"))
	second := s.call(rpc.OpReserveSpace, plate{}, rpc.WithIdempotencyKey("k-1"))
	other := s.call(rpc.OpReserveSpace, plate{}, rpc.WithIdempotencyKey("k-2"))

	var a, b, c plate
	s.Require().NoError(first.Decode(&a))
	s.Require().NoError(second.Decode(&b))
	s.Require().NoError(other.Decode(&c))

	s.Equal("reservation-1", a.Plate)
	s.Equal(a, b, "duplicate replays the first result")
	s.NotEqual(first.CorrelationID, second.CorrelationID)
	s.Equal("reservation-2", c.Plate)
	s.Equal(int32(2), invoked.Load())
	s.Equal(1.0, promtest.ToFloat64(s.metrics.Replays))
	s.Equal(2.0, promtest.ToFloat64(s.metrics.CachedReplies), "one entry per key")
}

func (s *DispatcherSuite) TestTransientFailuresAreNotReplayed() {
	var invoked atomic.Int32
	s.dispatcher.RegisterFunc(rpc.OpReserveSpace, func(ctx context.Context, req *rpc.Request) (any, error) {
		if invoked.Add(1) == 1 {
			return nil, sentinel.ErrUnavailable
		}
		return plate{Plate: "ok"}, nil
	})
	s.start()

	first := s.call(rpc.OpReserveSpace, plate{}, rpc.WithIdempotencyKey("k"))
	s.Equal(rpc.CodeStorageUnavailable, first.Error.Code)

	second := s.call(rpc.OpReserveSpace, plate{}, rpc.WithIdempotencyKey("k"))
	s.True(second.OK())
	s.Equal(int32(2), invoked.Load())
}

// =============================================================================
// Lifecycle
// =============================================================================

func (s *DispatcherSuite) TestCompetingDispatchersShareTheLoad() {
	var mu sync.Mutex
	served := map[string]int{}
	for _, name := range []string{"first", "second"} {
		d := s.newDispatcher(Config{Destination: requestDest})
		d.RegisterFunc(rpc.OpGetTransactions, func(ctx context.Context, req *rpc.Request) (any, error) {
			mu.Lock()
			served[name]++
			mu.Unlock()
			time.Sleep(2 * time.Millisecond)
			return nil, nil
		})
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() { _ = d.Run(ctx) }()
	}

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply, err := s.channel.Call(context.Background(), rpc.OpGetTransactions, plate{}, 2*time.Second)
			s.NoError(err)
			s.True(reply.OK())
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	s.Equal(n, served["first"]+served["second"], "each request handled once")
}

func (s *DispatcherSuite) TestResubscribesAfterConnectionLoss() {
	s.start()
	s.True(s.call(rpc.OpGetCitations, plate{}).OK())

	s.network.Fail("node-a")
	defer s.network.Recover("node-a")

	s.Eventually(func() bool {
		reply, err := s.channel.Call(context.Background(), rpc.OpGetCitations, plate{Plate: "x"}, 200*time.Millisecond)
		return err == nil && reply.OK()
	}, 3*time.Second, 20*time.Millisecond)
	s.GreaterOrEqual(promtest.ToFloat64(s.metrics.Resubscriptions), 1.0)
}

func (s *DispatcherSuite) TestKeepsServingAcrossRepeatedFailovers() {
	s.start()

	for round := 0; round < 20; round++ {
		lost := s.cluster.Node()
		s.network.Fail(lost)

		s.Eventually(func() bool {
			reply, err := s.channel.Call(context.Background(), rpc.OpGetCitations, plate{Plate: "x"}, 200*time.Millisecond)
			return err == nil && reply.OK()
		}, 3*time.Second, 10*time.Millisecond, "round %d", round)

		select {
		case err := <-s.done:
			s.FailNow("dispatcher exited after failover", "round %d: %v", round, err)
		default:
		}
		s.network.Recover(lost)
	}
}

func (s *DispatcherSuite) TestRetriesTransientSubscribeFailures() {
	flaky := &flakyTransport{Transport: s.cluster}
	flaky.failures.Store(3)
	d, err := New(flaky, Config{Destination: requestDest}, WithMetrics(s.metrics))
	s.Require().NoError(err)
	d.RegisterFunc(rpc.OpGetCitations, func(context.Context, *rpc.Request) (any, error) {
		return plate{Plate: "ok"}, nil
	})
	s.dispatcher = d
	s.start()

	reply := s.call(rpc.OpGetCitations, plate{})
	s.True(reply.OK())
	s.Equal(int32(0), flaky.failures.Load())
	s.Equal(int32(4), flaky.attempts.Load())
}

func (s *DispatcherSuite) TestRunStopsOnCancel() {
	s.start()
	s.True(s.call(rpc.OpGetCitations, plate{}).OK())

	s.cancel()
	select {
	case err := <-s.done:
		s.True(errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		s.FailNow("dispatcher did not stop")
	}
	s.cancel = nil
}

func (s *DispatcherSuite) TestRunFailsWhenClusterIsGone() {
	s.Require().NoError(s.channel.Close())
	s.Require().NoError(s.cluster.Close())

	err := s.dispatcher.Run(context.Background())
	s.True(errors.Is(err, broker.ErrClosed))
}

// =============================================================================
// Serve without a broker
// =============================================================================

func TestServeWithoutBroker(t *testing.T) {
	d, err := New(noopTransport{}, Config{Destination: "d"})
	if err != nil {
		t.Fatal(err)
	}
	d.RegisterFunc(rpc.OpGetCitations, func(ctx context.Context, req *rpc.Request) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	d.cfg.HandlerTimeout = 10 * time.Millisecond

	reply := d.Serve(context.Background(), &rpc.Request{Operation: rpc.OpGetCitations, CorrelationID: "c"})
	if reply.OK() || reply.Error.Code != rpc.CodeInternal || reply.Error.Message != "handler timed out" {
		t.Fatalf("unexpected reply %+v", reply.Error)
	}
	if reply.CorrelationID != "c" {
		t.Fatalf("correlation id not preserved: %q", reply.CorrelationID)
	}
}

type noopTransport struct{}

func (noopTransport) Publish(context.Context, string, broker.Message) error { return nil }

func (noopTransport) Subscribe(context.Context, string, ...broker.SubscribeOption) (*broker.Subscription, error) {
	return nil, errors.New("not supported")
}

// flakyTransport fails Subscribe with ErrConnectionLost while failures is
// positive, the way a cluster does between connections.
type flakyTransport struct {
	Transport
	failures atomic.Int32
	attempts atomic.Int32
}

func (f *flakyTransport) Subscribe(ctx context.Context, dest string, opts ...broker.SubscribeOption) (*broker.Subscription, error) {
	f.attempts.Add(1)
	if f.failures.Add(-1) >= 0 {
		return nil, broker.ErrConnectionLost
	}
	f.failures.Store(0)
	return f.Transport.Subscribe(ctx, dest, opts...)
}

func mustRaw(t *testing.T, v any) codec.RawMessage {
	t.Helper()
	raw, err := codec.Raw(v)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}
