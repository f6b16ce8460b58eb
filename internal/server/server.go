package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/planforge/internal/jobmanager"
	"github.com/ChuLiYu/planforge/internal/lifecycle"
	"github.com/ChuLiYu/planforge/internal/logger"
	"github.com/ChuLiYu/planforge/internal/runner"
	"github.com/ChuLiYu/planforge/internal/scoring"
	"github.com/ChuLiYu/planforge/pkg/types"
)

// errBadRequest marks requests missing a required field.
var errBadRequest = errors.New("bad request")

// Server implements the planforge.v1.PlanJobs gRPC service on top of the
// lifecycle controller.
type Server struct {
	ctrl *lifecycle.Controller
	log  *logger.Logger
	grpc *grpc.Server
}

// NewServer creates a server and registers the PlanJobs service.
func NewServer(ctrl *lifecycle.Controller, log *logger.Logger, opts ...grpc.ServerOption) *Server {
	if log == nil {
		log = logger.Nop()
	}
	s := &Server{ctrl: ctrl, log: log.Named("grpc")}
	opts = append(opts, grpc.ChainUnaryInterceptor(s.logCalls))
	s.grpc = grpc.NewServer(opts...)
	s.grpc.RegisterService(&ServiceDesc, s)
	return s
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("gRPC server listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Stop drains in-flight calls and closes the listeners.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

func (s *Server) logCalls(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	if code == codes.OK || code == codes.NotFound {
		s.log.Debug("RPC", "method", info.FullMethod, "code", code.String(), "took", time.Since(start))
	} else {
		s.log.Warn("RPC failed", "method", info.FullMethod, "code", code.String(), "error", err)
	}
	return resp, err
}

// ============================================================================
// 請求格式
// ============================================================================

type planRequest struct {
	PlanID types.PlanID `json:"plan_id"`
}

type exportRequest struct {
	PlanID          types.PlanID       `json:"plan_id"`
	Format          types.ExportFormat `json:"format"`
	IncludeEvidence bool               `json:"include_evidence"`
}

type jobRequest struct {
	JobID  types.JobID   `json:"job_id"`
	PlanID types.PlanID  `json:"plan_id"`
	Kind   types.JobKind `json:"kind"`
}

type evaluateRequest struct {
	EvidenceID string `json:"evidence_id"`
	Query      string `json:"query"`
}

// ============================================================================
// RPC 實作
// ============================================================================

// StartGeneration admits a generation job for a plan.
func (s *Server) StartGeneration(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req planRequest
	if err := decode(in, &req); err != nil {
		return nil, toStatus(err)
	}
	if req.PlanID == "" {
		return nil, toStatus(fmt.Errorf("%w: plan_id is required", errBadRequest))
	}
	job, err := s.ctrl.StartGeneration(ctx, req.PlanID)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(job)
}

// StartExport admits an export job for a completed plan.
func (s *Server) StartExport(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req exportRequest
	if err := decode(in, &req); err != nil {
		return nil, toStatus(err)
	}
	if req.PlanID == "" {
		return nil, toStatus(fmt.Errorf("%w: plan_id is required", errBadRequest))
	}
	job, err := s.ctrl.StartExport(ctx, req.PlanID, req.Format, req.IncludeEvidence)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(job)
}

// PlanStatus returns the plan with its current status and score.
func (s *Server) PlanStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req planRequest
	if err := decode(in, &req); err != nil {
		return nil, toStatus(err)
	}
	plan, err := s.ctrl.PlanStatus(ctx, req.PlanID)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(plan)
}

// JobStatus looks a job up by id, or the latest job of kind for a plan.
func (s *Server) JobStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req jobRequest
	if err := decode(in, &req); err != nil {
		return nil, toStatus(err)
	}
	if req.JobID != "" {
		job, err := s.ctrl.JobStatus(req.JobID)
		if err != nil {
			return nil, toStatus(err)
		}
		return reply(job)
	}
	if req.PlanID == "" || !req.Kind.Valid() {
		return nil, toStatus(fmt.Errorf("%w: job_id or plan_id with a valid kind is required", errBadRequest))
	}
	job, ok := s.ctrl.LatestJob(req.PlanID, req.Kind)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no %s job for plan %s", req.Kind, req.PlanID)
	}
	return reply(job)
}

// ListJobs returns every job recorded for a plan.
func (s *Server) ListJobs(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req planRequest
	if err := decode(in, &req); err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]interface{}{"jobs": s.ctrl.Jobs(req.PlanID)})
}

// ValidatePlan scores plan completeness without persisting.
func (s *Server) ValidatePlan(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req planRequest
	if err := decode(in, &req); err != nil {
		return nil, toStatus(err)
	}
	res, err := s.ctrl.ValidatePlan(ctx, req.PlanID)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(res)
}

// Outline returns the item count per plan section.
func (s *Server) Outline(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req planRequest
	if err := decode(in, &req); err != nil {
		return nil, toStatus(err)
	}
	outline, err := s.ctrl.Outline(ctx, req.PlanID)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]interface{}{"sections": outline})
}

// Archive moves a plan to archived.
func (s *Server) Archive(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req planRequest
	if err := decode(in, &req); err != nil {
		return nil, toStatus(err)
	}
	plan, err := s.ctrl.Archive(ctx, req.PlanID)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(plan)
}

// DeletePlan removes a plan and its job records.
func (s *Server) DeletePlan(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req planRequest
	if err := decode(in, &req); err != nil {
		return nil, toStatus(err)
	}
	if err := s.ctrl.DeletePlan(ctx, req.PlanID); err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]interface{}{"deleted": req.PlanID})
}

// EvaluateEvidence scores one evidence item and stores the scores.
func (s *Server) EvaluateEvidence(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req evaluateRequest
	if err := decode(in, &req); err != nil {
		return nil, toStatus(err)
	}
	scores, err := s.ctrl.EvaluateEvidence(ctx, req.EvidenceID, req.Query)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(scores)
}

// SearchEvidence ranks candidates from the configured sources.
func (s *Server) SearchEvidence(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := scoring.NewSearchRequest("")
	if err := decode(in, &req); err != nil {
		return nil, toStatus(err)
	}
	ranked, err := s.ctrl.SearchEvidence(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	if ranked == nil {
		ranked = []scoring.Ranked{}
	}
	return reply(map[string]interface{}{"results": ranked})
}

// ============================================================================
// 錯誤對應
// ============================================================================

// toStatus maps domain errors onto gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var code codes.Code
	switch {
	case errors.Is(err, runner.ErrAlreadyActive):
		code = codes.AlreadyExists
	case errors.Is(err, lifecycle.ErrPlanNotFound),
		errors.Is(err, lifecycle.ErrEvidenceNotFound),
		errors.Is(err, jobmanager.ErrJobNotFound):
		code = codes.NotFound
	case errors.Is(err, lifecycle.ErrInvalidPlanTransition),
		errors.Is(err, lifecycle.ErrPlanNotReady):
		code = codes.FailedPrecondition
	case errors.Is(err, lifecycle.ErrUnsupportedFormat),
		errors.Is(err, scoring.ErrInvalidEvidence),
		errors.Is(err, jobmanager.ErrInvalidRequest),
		errors.Is(err, errBadRequest):
		code = codes.InvalidArgument
	case errors.Is(err, runner.ErrRunnerStopped),
		errors.Is(err, runner.ErrRunnerNotStarted):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}
