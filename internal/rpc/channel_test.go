package rpc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"parkline/internal/broker"
)

// =============================================================================
// Channel Test Suite
// =============================================================================
// A MemoryNetwork stands in for the broker cluster; a small responder
// goroutine plays the server side so the channel can be exercised without
// the dispatcher.

const requestDest = "parkline.requests"

type echoPayload struct {
	N     int    `cbor:"n"`
	Label string `cbor:"label"`
}

type ChannelSuite struct {
	suite.Suite
	network *broker.MemoryNetwork
	cluster *broker.Cluster
	metrics *Metrics
	channel *Channel
}

func TestChannelSuite(t *testing.T) {
	suite.Run(t, new(ChannelSuite))
}

func (s *ChannelSuite) SetupTest() {
	s.network = broker.NewMemoryNetwork("node-a", "node-b")
	cluster, err := broker.Connect(context.Background(), s.network, broker.Config{
		Nodes:        []string{"node-a", "node-b"},
		MaxCycles:    2,
		CycleBackoff: 5 * time.Millisecond,
	})
	s.Require().NoError(err)
	s.cluster = cluster

	s.metrics = NewMetrics(prometheus.NewRegistry())
	s.channel, err = NewChannel(context.Background(), cluster, Config{RequestDestination: requestDest}, WithMetrics(s.metrics))
	s.Require().NoError(err)
}

func (s *ChannelSuite) TearDownTest() {
	_ = s.channel.Close()
	_ = s.cluster.Close()
}

// serve answers requests on dest with handle until the returned stop is
// called. A nil reply from handle means "stay silent".
func (s *ChannelSuite) serve(dest string, handle func(req *Request) *Reply) (stop func()) {
	sub, err := s.cluster.Subscribe(context.Background(), dest, broker.WithGroup("test-responders"))
	s.Require().NoError(err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range sub.Messages() {
			req, err := DecodeRequest(msg)
			if err != nil {
				continue
			}
			reply := handle(req)
			if reply == nil {
				continue
			}
			out, err := EncodeReply(reply)
			if err != nil {
				continue
			}
			_ = s.cluster.Publish(context.Background(), req.ReplyTo, out)
		}
	}()
	return func() {
		_ = sub.Close()
		<-done
	}
}

func echo(req *Request) *Reply {
	var p echoPayload
	if err := req.Decode(&p); err != nil {
		return NewErrorReply(req.CorrelationID, err)
	}
	reply, _ := NewOKReply(req.CorrelationID, p)
	return reply
}

// =============================================================================
// Construction
// =============================================================================

func (s *ChannelSuite) TestNewChannel() {
	s.Run("declares a private reply destination", func() {
		s.True(s.network.HasDestination(s.channel.ReplyTo()))
	})

	s.Run("two channels get distinct reply destinations", func() {
		other, err := NewChannel(context.Background(), s.cluster, Config{})
		s.Require().NoError(err)
		defer other.Close()
		s.NotEqual(s.channel.ReplyTo(), other.ReplyTo())
	})

	s.Run("nil transport is rejected", func() {
		_, err := NewChannel(context.Background(), nil, Config{})
		s.Error(err)
	})

	s.Run("fails when the cluster is gone", func() {
		network := broker.NewMemoryNetwork("solo")
		cluster, err := broker.Connect(context.Background(), network, broker.Config{Nodes: []string{"solo"}})
		s.Require().NoError(err)
		s.Require().NoError(cluster.Close())

		_, err = NewChannel(context.Background(), cluster, Config{})
		s.Require().Error(err)
		s.True(errors.Is(err, broker.ErrClosed))
	})
}

// =============================================================================
// Call Outcomes
// =============================================================================

func (s *ChannelSuite) TestCallReturnsMatchingReply() {
	stop := s.serve(requestDest, echo)
	defer stop()

	reply, err := s.channel.Call(context.Background(), OpGetCitations, echoPayload{N: 7, Label: "x"}, time.Second)
	s.Require().NoError(err)
	s.Require().True(reply.OK())

	var out echoPayload
	s.Require().NoError(reply.Decode(&out))
	s.Equal(echoPayload{N: 7, Label: "x"}, out)
	s.Equal(OutcomeOK, Classify(reply, err))
	s.Equal(0, s.channel.Pending())
}

func (s *ChannelSuite) TestErrorReplyIsDataNotError() {
	stop := s.serve(requestDest, func(req *Request) *Reply {
		return NewErrorReply(req.CorrelationID, NewError(CodeUnknownOperation, "no handler for Bogus"))
	})
	defer stop()

	reply, err := s.channel.Call(context.Background(), Operation("Bogus"), echoPayload{}, time.Second)
	s.Require().NoError(err)
	s.False(reply.OK())
	s.Equal(CodeUnknownOperation, reply.Error.Code)
	s.True(HasCode(reply.Err(), CodeUnknownOperation))
	s.Equal(OutcomeRejected, Classify(reply, err))
	s.Equal("request rejected: no handler for Bogus", Describe(reply, err))
}

func (s *ChannelSuite) TestTimeout() {
	s.Run("fails with ErrRequestTimeout no earlier than the deadline", func() {
		const timeout = 80 * time.Millisecond
		start := time.Now()
		reply, err := s.channel.Call(context.Background(), OpGetTransactions, echoPayload{}, timeout)
		elapsed := time.Since(start)

		s.Nil(reply)
		s.True(errors.Is(err, ErrRequestTimeout))
		s.GreaterOrEqual(elapsed, timeout)
		s.Equal(0, s.channel.Pending())
		s.Equal(OutcomeTimedOut, Classify(reply, err))
		s.Equal("service unavailable, retry", Describe(reply, err))
	})

	s.Run("late reply after timeout is dropped", func() {
		release := make(chan struct{})
		stop := s.serve(requestDest, func(req *Request) *Reply {
			<-release
			return echo(req)
		})
		defer stop()

		_, err := s.channel.Call(context.Background(), OpGetTransactions, echoPayload{N: 1}, 30*time.Millisecond)
		s.True(errors.Is(err, ErrRequestTimeout))

		// The request left over from the previous subtest is answered late
		// too, so count at least one drop rather than exactly one.
		before := promtest.ToFloat64(s.metrics.UnmatchedReplies)
		close(release)
		s.Eventually(func() bool {
			return promtest.ToFloat64(s.metrics.UnmatchedReplies) >= before+1
		}, time.Second, 5*time.Millisecond)
		s.Equal(0, s.channel.Pending())
	})
}

func (s *ChannelSuite) TestUnmatchedReplyDoesNotDisturbPendingCalls() {
	var (
		mu       sync.Mutex
		requests []*Request
	)
	got := make(chan struct{}, 1)
	stop := s.serve(requestDest, func(req *Request) *Reply {
		mu.Lock()
		requests = append(requests, req)
		mu.Unlock()
		got <- struct{}{}
		return nil
	})
	defer stop()

	call := s.channel.Go(context.Background(), requestDest, OpGetCitations, echoPayload{N: 3}, 2*time.Second)
	<-got

	stray, err := EncodeReply(&Reply{CorrelationID: "not-a-pending-call", Status: StatusOK})
	s.Require().NoError(err)
	s.Require().NoError(s.cluster.Publish(context.Background(), s.channel.ReplyTo(), stray))

	s.Eventually(func() bool {
		return promtest.ToFloat64(s.metrics.UnmatchedReplies) == 1
	}, time.Second, 5*time.Millisecond)
	s.Equal(1, s.channel.Pending())

	mu.Lock()
	req := requests[0]
	mu.Unlock()
	reply, err := NewOKReply(req.CorrelationID, echoPayload{N: 3})
	s.Require().NoError(err)
	out, err := EncodeReply(reply)
	s.Require().NoError(err)
	s.Require().NoError(s.cluster.Publish(context.Background(), req.ReplyTo, out))

	result, err := call.Wait()
	s.Require().NoError(err)
	s.True(result.OK())
	s.Equal(req.CorrelationID, result.CorrelationID)
}

func (s *ChannelSuite) TestConcurrentCallsDemultiplexByCorrelationID() {
	// The responder holds every request and answers them in reverse order.
	const n = 40
	held := make(chan *Request, n)
	stop := s.serve(requestDest, func(req *Request) *Reply {
		held <- req
		return nil
	})
	defer stop()

	calls := make([]*Call, n)
	for i := 0; i < n; i++ {
		calls[i] = s.channel.Go(context.Background(), requestDest, OpGetTransactions, echoPayload{N: i}, 5*time.Second)
	}

	reqs := make([]*Request, 0, n)
	for i := 0; i < n; i++ {
		select {
		case req := <-held:
			reqs = append(reqs, req)
		case <-time.After(2 * time.Second):
			s.FailNow("responder did not see every request")
		}
	}

	seen := make(map[string]bool, n)
	for _, req := range reqs {
		s.False(seen[req.CorrelationID], "duplicate correlation id %s", req.CorrelationID)
		seen[req.CorrelationID] = true
	}

	for i := len(reqs) - 1; i >= 0; i-- {
		out, err := EncodeReply(echo(reqs[i]))
		s.Require().NoError(err)
		s.Require().NoError(s.cluster.Publish(context.Background(), reqs[i].ReplyTo, out))
	}

	for i, call := range calls {
		reply, err := call.Wait()
		s.Require().NoError(err)
		var out echoPayload
		s.Require().NoError(reply.Decode(&out))
		s.Equal(i, out.N)
		s.Equal(call.CorrelationID, reply.CorrelationID)
	}
}

func (s *ChannelSuite) TestContextCancellation() {
	ctx, cancel := context.WithCancel(context.Background())
	call := s.channel.Go(ctx, requestDest, OpGetTransactions, echoPayload{}, 5*time.Second)
	s.Equal(1, s.channel.Pending())

	cancel()
	_, err := call.Wait()
	s.True(errors.Is(err, context.Canceled))
	s.Equal(0, s.channel.Pending())
	s.Equal(OutcomeFailed, Classify(nil, err))
}

func (s *ChannelSuite) TestCallWithoutDestinationFails() {
	ch, err := NewChannel(context.Background(), s.cluster, Config{})
	s.Require().NoError(err)
	defer ch.Close()

	_, err = ch.Call(context.Background(), OpGetCitations, echoPayload{}, time.Second)
	s.Error(err)
}

func (s *ChannelSuite) TestIdempotencyKeyTravelsWithRequest() {
	keys := make(chan string, 1)
	stop := s.serve(requestDest, func(req *Request) *Reply {
		keys <- req.IdempotencyKey
		return echo(req)
	})
	defer stop()

	_, err := s.channel.Call(context.Background(), OpReserveSpace, echoPayload{}, time.Second, WithIdempotencyKey("reserve-42"))
	s.Require().NoError(err)
	s.Equal("reserve-42", <-keys)
}

// =============================================================================
// Connection Loss and Close
// =============================================================================

func (s *ChannelSuite) TestConnectionLossFailsPendingCallsImmediately() {
	const n = 5
	calls := make([]*Call, n)
	for i := range calls {
		calls[i] = s.channel.Go(context.Background(), requestDest, OpGetTransactions, echoPayload{N: i}, 10*time.Second)
	}
	s.Equal(n, s.channel.Pending())

	start := time.Now()
	s.network.Fail("node-a")
	defer s.network.Recover("node-a")

	for _, call := range calls {
		select {
		case <-call.Done():
		case <-time.After(time.Second):
			s.FailNow("pending call was not failed on connection loss")
		}
		_, err := call.Wait()
		s.True(errors.Is(err, ErrChannelClosed))
		s.Equal(OutcomeChannelClosed, Classify(nil, err))
	}
	s.Less(time.Since(start), time.Second)

	s.Run("channel recovers on the next node", func() {
		stop := s.serve(requestDest, echo)
		defer stop()

		s.Eventually(func() bool {
			reply, err := s.channel.Call(context.Background(), OpGetTransactions, echoPayload{N: 9}, 200*time.Millisecond)
			return err == nil && reply.OK()
		}, 2*time.Second, 20*time.Millisecond)
		s.Equal("node-b", s.cluster.Node())
	})
}

func (s *ChannelSuite) TestChannelSurvivesRepeatedFailovers() {
	for round := 0; round < 10; round++ {
		lost := s.cluster.Node()
		s.network.Fail(lost)

		stop := s.serve(requestDest, echo)
		s.Eventually(func() bool {
			reply, err := s.channel.Call(context.Background(), OpGetTransactions, echoPayload{N: round}, 200*time.Millisecond)
			return err == nil && reply.OK()
		}, 2*time.Second, 10*time.Millisecond, "round %d", round)
		stop()

		s.NoError(s.channel.Err(), "round %d", round)
		s.network.Recover(lost)
	}
	s.GreaterOrEqual(promtest.ToFloat64(s.metrics.ChannelResets), 10.0)
}

func (s *ChannelSuite) TestChannelClosesWhenClusterIsUnavailable() {
	call := s.channel.Go(context.Background(), requestDest, OpGetCitations, echoPayload{}, 10*time.Second)

	s.network.Fail("node-a")
	s.network.Fail("node-b")
	defer s.network.Recover("node-a")
	defer s.network.Recover("node-b")

	_, err := call.Wait()
	s.True(errors.Is(err, ErrChannelClosed))

	s.Eventually(func() bool {
		return errors.Is(s.channel.Err(), broker.ErrClusterUnavailable)
	}, 2*time.Second, 10*time.Millisecond)

	_, err = s.channel.Call(context.Background(), OpGetCitations, echoPayload{}, time.Second)
	s.True(errors.Is(err, ErrChannelClosed))
}

func (s *ChannelSuite) TestClose() {
	call := s.channel.Go(context.Background(), requestDest, OpGetCitations, echoPayload{}, 10*time.Second)
	replyTo := s.channel.ReplyTo()

	s.Require().NoError(s.channel.Close())

	_, err := call.Wait()
	s.True(errors.Is(err, ErrChannelClosed))
	s.False(s.network.HasDestination(replyTo))

	_, err = s.channel.Call(context.Background(), OpGetCitations, echoPayload{}, time.Second)
	s.True(errors.Is(err, ErrChannelClosed))

	s.NoError(s.channel.Close(), "close is idempotent")
}
