package verifier

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arklim/streampay/internal/core/port"
)

// Simulated accepts artifacts carrying the reserved simulation prefix and
// fabricates a receipt reference without contacting a ledger. From the state
// machine's perspective it is indistinguishable from the chain backend.
type Simulated struct {
	logger *zap.Logger
	newRef func() string
}

// NewSimulated constructs the development settlement backend.
func NewSimulated(logger *zap.Logger) *Simulated {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulated{
		logger: logger,
		newRef: func() string {
			return "0x" + strings.ReplaceAll(uuid.NewString(), "-", "")
		},
	}
}

// WithReferenceFactory overrides fabricated reference generation for deterministic tests.
func (s *Simulated) WithReferenceFactory(factory func() string) *Simulated {
	if factory != nil {
		s.newRef = factory
	}
	return s
}

// Verify accepts any sim-prefixed artifact as full payment of the expected
// amount to the expected creator.
func (s *Simulated) Verify(_ context.Context, req port.VerificationRequest) (*port.VerifiedSettlement, error) {
	if req.Artifact.Kind != port.ArtifactSimulated {
		return nil, ErrUnsupportedArtifact
	}

	ref := s.newRef()
	s.logger.Info("simulated settlement accepted",
		zap.String("session_id", req.SessionID),
		zap.String("transaction_ref", ref),
		zap.String("amount", req.ExpectedAmount.String()),
	)

	return &port.VerifiedSettlement{
		TransactionRef: ref,
		Amount:         req.ExpectedAmount,
		Recipient:      req.Creator,
	}, nil
}

var _ port.SettlementVerifier = (*Simulated)(nil)
