package server

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/planforge/internal/completeness"
	"github.com/ChuLiYu/planforge/internal/lifecycle"
	"github.com/ChuLiYu/planforge/internal/scoring"
	"github.com/ChuLiYu/planforge/pkg/types"
)

// Client is a typed PlanJobs client.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a PlanJobs server without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, req, resp interface{}) error {
	in, err := encode(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	data, err := out.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, resp)
}

// StartGeneration admits a generation job.
func (c *Client) StartGeneration(ctx context.Context, planID types.PlanID) (types.Job, error) {
	var job types.Job
	err := c.call(ctx, "StartGeneration", planRequest{PlanID: planID}, &job)
	return job, err
}

// StartExport admits an export job.
func (c *Client) StartExport(ctx context.Context, planID types.PlanID, format types.ExportFormat, includeEvidence bool) (types.Job, error) {
	var job types.Job
	err := c.call(ctx, "StartExport", exportRequest{PlanID: planID, Format: format, IncludeEvidence: includeEvidence}, &job)
	return job, err
}

// PlanStatus fetches a plan.
func (c *Client) PlanStatus(ctx context.Context, planID types.PlanID) (types.Plan, error) {
	var plan types.Plan
	err := c.call(ctx, "PlanStatus", planRequest{PlanID: planID}, &plan)
	return plan, err
}

// JobStatus fetches one job by id.
func (c *Client) JobStatus(ctx context.Context, id types.JobID) (types.Job, error) {
	var job types.Job
	err := c.call(ctx, "JobStatus", jobRequest{JobID: id}, &job)
	return job, err
}

// LatestJob fetches the most recent job of kind for a plan.
func (c *Client) LatestJob(ctx context.Context, planID types.PlanID, kind types.JobKind) (types.Job, error) {
	var job types.Job
	err := c.call(ctx, "JobStatus", jobRequest{PlanID: planID, Kind: kind}, &job)
	return job, err
}

// ListJobs fetches every job recorded for a plan.
func (c *Client) ListJobs(ctx context.Context, planID types.PlanID) ([]types.Job, error) {
	var resp struct {
		Jobs []types.Job `json:"jobs"`
	}
	err := c.call(ctx, "ListJobs", planRequest{PlanID: planID}, &resp)
	return resp.Jobs, err
}

// ValidatePlan scores a plan without persisting.
func (c *Client) ValidatePlan(ctx context.Context, planID types.PlanID) (completeness.Result, error) {
	var res completeness.Result
	err := c.call(ctx, "ValidatePlan", planRequest{PlanID: planID}, &res)
	return res, err
}

// Outline fetches per-section item counts.
func (c *Client) Outline(ctx context.Context, planID types.PlanID) ([]lifecycle.OutlineEntry, error) {
	var resp struct {
		Sections []lifecycle.OutlineEntry `json:"sections"`
	}
	err := c.call(ctx, "Outline", planRequest{PlanID: planID}, &resp)
	return resp.Sections, err
}

// Archive archives a plan.
func (c *Client) Archive(ctx context.Context, planID types.PlanID) (types.Plan, error) {
	var plan types.Plan
	err := c.call(ctx, "Archive", planRequest{PlanID: planID}, &plan)
	return plan, err
}

// DeletePlan deletes a plan and its job records.
func (c *Client) DeletePlan(ctx context.Context, planID types.PlanID) error {
	return c.call(ctx, "DeletePlan", planRequest{PlanID: planID}, nil)
}

// EvaluateEvidence scores and stores one evidence item.
func (c *Client) EvaluateEvidence(ctx context.Context, evidenceID, query string) (scoring.Scores, error) {
	var s scoring.Scores
	err := c.call(ctx, "EvaluateEvidence", evaluateRequest{EvidenceID: evidenceID, Query: query}, &s)
	return s, err
}

// SearchEvidence ranks candidates on the server.
func (c *Client) SearchEvidence(ctx context.Context, req scoring.SearchRequest) ([]scoring.Ranked, error) {
	var resp struct {
		Results []scoring.Ranked `json:"results"`
	}
	err := c.call(ctx, "SearchEvidence", req, &resp)
	return resp.Results, err
}
