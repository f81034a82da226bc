package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"parkline/internal/dispatch"
	"parkline/internal/parking"
	"parkline/internal/parking/mocks"
	"parkline/internal/rpc"
	"parkline/pkg/platform/sentinel"
	"parkline/pkg/requestcontext"
	"parkline/pkg/testutil"
)

// =============================================================================
// Parking Handler Test Suite
// =============================================================================
// Justification for unit tests: handlers own validation and the mapping from
// storage facts to reply codes. The store is mocked so each mapping can be
// forced.

type HandlerSuite struct {
	suite.Suite
	ctrl    *gomock.Controller
	store   *mocks.MockStore
	handler *Handler
	now     time.Time
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.store = mocks.NewMockStore(s.ctrl)
	s.handler = New(s.store,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithIDGenerator(func() string { return "generated-id" }),
	)
	s.now = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
}

func (s *HandlerSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *HandlerSuite) ctx() context.Context {
	return testutil.RequestContext("corr-1", s.now)
}

func (s *HandlerSuite) request(op rpc.Operation, payload any) *rpc.Request {
	return testutil.NewRequest(s.T(), op, payload)
}

// =============================================================================
// Lookups
// =============================================================================

func (s *HandlerSuite) TestGetCitations() {
	s.Run("normalizes the plate and returns every record", func() {
		records := []parking.Citation{{ID: "c1", Plate: "12-345-67"}, {ID: "c2", Plate: "12-345-67"}}
		s.store.EXPECT().Citations(gomock.Any(), "12-345-67").Return(records, nil)

		out, err := s.handler.GetCitations(s.ctx(), s.request(rpc.OpGetCitations, parking.PlateQuery{Plate: " 12-345-67 "}))
		s.Require().NoError(err)
		s.Equal(parking.CitationList{Plate: "12-345-67", Citations: records}, out)
	})

	s.Run("malformed plate is a bad request", func() {
		_, err := s.handler.GetCitations(s.ctx(), s.request(rpc.OpGetCitations, parking.PlateQuery{Plate: "not a plate!"}))
		s.True(rpc.HasCode(err, rpc.CodeBadRequest))
	})

	s.Run("missing payload is a bad request", func() {
		_, err := s.handler.GetCitations(s.ctx(), &rpc.Request{Operation: rpc.OpGetCitations})
		s.True(rpc.HasCode(err, rpc.CodeBadRequest))
	})

	s.Run("storage outage surfaces as STORAGE_UNAVAILABLE", func() {
		s.store.EXPECT().Citations(gomock.Any(), "AB-1").Return(nil, sentinel.ErrUnavailable)

		_, err := s.handler.GetCitations(s.ctx(), s.request(rpc.OpGetCitations, parking.PlateQuery{Plate: "ab-1"}))
		s.True(rpc.HasCode(err, rpc.CodeStorageUnavailable))
	})
}

func (s *HandlerSuite) TestGetTransactions() {
	txns := []parking.Transaction{{ID: "t1", Plate: "12-345-67"}}
	s.store.EXPECT().Transactions(gomock.Any(), "12-345-67").Return(txns, nil)

	out, err := s.handler.GetTransactions(s.ctx(), s.request(rpc.OpGetTransactions, parking.PlateQuery{Plate: "12-345-67"}))
	s.Require().NoError(err)
	s.Equal(parking.TransactionList{Plate: "12-345-67", Transactions: txns}, out)
}

// =============================================================================
// ReserveSpace
// =============================================================================

func (s *HandlerSuite) reserveRequest() parking.ReserveRequest {
	return parking.ReserveRequest{
		Plate:       "12-345-67",
		SpaceID:     "A-01",
		Start:       s.now,
		End:         s.now.Add(time.Hour),
		AmountCents: 450,
	}
}

func (s *HandlerSuite) TestReserveSpace() {
	space := parking.Space{ID: "A-01", Zone: "A"}

	s.Run("stores a transaction in the space's zone", func() {
		s.store.EXPECT().Space(gomock.Any(), "A-01").Return(space, nil)
		s.store.EXPECT().Reserve(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, txn parking.Transaction) error {
			s.Equal("generated-id", txn.ID)
			s.Equal("A", txn.Zone)
			s.Equal(s.now, txn.CreatedAt)
			return nil
		})

		out, err := s.handler.ReserveSpace(s.ctx(), s.request(rpc.OpReserveSpace, s.reserveRequest()))
		s.Require().NoError(err)
		s.Equal("generated-id", out.(parking.Transaction).ID)
	})

	s.Run("end before start is a bad request", func() {
		in := s.reserveRequest()
		in.End = in.Start.Add(-time.Minute)
		_, err := s.handler.ReserveSpace(s.ctx(), s.request(rpc.OpReserveSpace, in))
		s.True(rpc.HasCode(err, rpc.CodeBadRequest))
	})

	s.Run("unknown space is NOT_FOUND", func() {
		s.store.EXPECT().Space(gomock.Any(), "A-01").Return(parking.Space{}, sentinel.ErrNotFound)
		_, err := s.handler.ReserveSpace(s.ctx(), s.request(rpc.OpReserveSpace, s.reserveRequest()))
		s.True(rpc.HasCode(err, rpc.CodeNotFound))
		s.Contains(rpc.MessageOf(err), "A-01")
	})

	s.Run("overlap is CONFLICT", func() {
		s.store.EXPECT().Space(gomock.Any(), "A-01").Return(space, nil)
		s.store.EXPECT().Reserve(gomock.Any(), gomock.Any()).Return(sentinel.ErrConflict)
		_, err := s.handler.ReserveSpace(s.ctx(), s.request(rpc.OpReserveSpace, s.reserveRequest()))
		s.True(rpc.HasCode(err, rpc.CodeConflict))
	})
}

func (s *HandlerSuite) TestReserveSpaceIsIdempotentAcrossDispatchers() {
	space := parking.Space{ID: "A-01", Zone: "A"}
	ctx := requestcontext.WithIdempotencyKey(s.ctx(), "reserve-7")

	var firstID string
	s.store.EXPECT().Space(gomock.Any(), "A-01").Return(space, nil).Times(2)
	gomock.InOrder(
		s.store.EXPECT().Reserve(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, txn parking.Transaction) error {
			firstID = txn.ID
			return nil
		}),
		s.store.EXPECT().Reserve(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, txn parking.Transaction) error {
			s.Equal(firstID, txn.ID, "same key derives the same id")
			return sentinel.ErrConflict
		}),
	)

	first, err := s.handler.ReserveSpace(ctx, s.request(rpc.OpReserveSpace, s.reserveRequest()))
	s.Require().NoError(err)
	s.NotEqual("generated-id", firstID)

	s.store.EXPECT().Transactions(gomock.Any(), "12-345-67").Return([]parking.Transaction{first.(parking.Transaction)}, nil)
	second, err := s.handler.ReserveSpace(ctx, s.request(rpc.OpReserveSpace, s.reserveRequest()))
	s.Require().NoError(err)
	s.Equal(first, second)
}

// =============================================================================
// ReportCitation
// =============================================================================

func (s *HandlerSuite) TestReportCitation() {
	report := parking.CitationReport{Plate: "12-345-67", SpaceID: "B-04", Zone: "ignored", Reason: "expired meter", Officer: "o-17", FineCents: 3500}

	s.Run("zone comes from the space", func() {
		s.store.EXPECT().Space(gomock.Any(), "B-04").Return(parking.Space{ID: "B-04", Zone: "B"}, nil)
		s.store.EXPECT().AddCitation(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, c parking.Citation) error {
			s.Equal("B", c.Zone)
			s.Equal(s.now, c.IssuedAt)
			return nil
		})

		out, err := s.handler.ReportCitation(s.ctx(), s.request(rpc.OpReportCitation, report))
		s.Require().NoError(err)
		s.Equal("generated-id", out.(parking.Citation).ID)
	})

	s.Run("missing officer is a bad request", func() {
		bad := report
		bad.Officer = ""
		_, err := s.handler.ReportCitation(s.ctx(), s.request(rpc.OpReportCitation, bad))
		s.True(rpc.HasCode(err, rpc.CodeBadRequest))
	})

	s.Run("storage failure propagates", func() {
		s.store.EXPECT().Space(gomock.Any(), "B-04").Return(parking.Space{ID: "B-04", Zone: "B"}, nil)
		s.store.EXPECT().AddCitation(gomock.Any(), gomock.Any()).Return(errors.New("disk on fire"))
		_, err := s.handler.ReportCitation(s.ctx(), s.request(rpc.OpReportCitation, report))
		s.True(rpc.HasCode(err, rpc.CodeInternal))
	})
}

// =============================================================================
// Registration
// =============================================================================

type recordingRegistrar struct {
	ops []rpc.Operation
}

func (r *recordingRegistrar) Register(op rpc.Operation, _ dispatch.Handler) {
	r.ops = append(r.ops, op)
}

func (s *HandlerSuite) TestRegister() {
	r := &recordingRegistrar{}
	s.handler.Register(r)
	s.ElementsMatch([]rpc.Operation{rpc.OpGetTransactions, rpc.OpGetCitations, rpc.OpReserveSpace, rpc.OpReportCitation}, r.ops)
}
