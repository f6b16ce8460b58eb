package server

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "planforge.v1.PlanJobs"

// PlanJobsService is the server side of planforge.v1.PlanJobs. Every method
// takes and returns a google.protobuf.Struct carrying the JSON form of the
// request and response types.
type PlanJobsService interface {
	StartGeneration(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartExport(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PlanStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	JobStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListJobs(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ValidatePlan(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Outline(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Archive(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeletePlan(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EvaluateEvidence(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SearchEvidence(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(PlanJobsService, context.Context, *structpb.Struct) (*structpb.Struct, error)

func method(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			svc := srv.(PlanJobsService)
			if interceptor == nil {
				return call(svc, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(svc, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes planforge.v1.PlanJobs for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PlanJobsService)(nil),
	Methods: []grpc.MethodDesc{
		method("StartGeneration", PlanJobsService.StartGeneration),
		method("StartExport", PlanJobsService.StartExport),
		method("PlanStatus", PlanJobsService.PlanStatus),
		method("JobStatus", PlanJobsService.JobStatus),
		method("ListJobs", PlanJobsService.ListJobs),
		method("ValidatePlan", PlanJobsService.ValidatePlan),
		method("Outline", PlanJobsService.Outline),
		method("Archive", PlanJobsService.Archive),
		method("DeletePlan", PlanJobsService.DeletePlan),
		method("EvaluateEvidence", PlanJobsService.EvaluateEvidence),
		method("SearchEvidence", PlanJobsService.SearchEvidence),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "planforge/v1/plan_jobs.proto",
}

// decode copies a Struct into v through its JSON form.
func decode(in *structpb.Struct, v interface{}) error {
	data, err := in.MarshalJSON()
	if err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// encode converts v into a Struct through its JSON form.
func encode(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return out, nil
}

func reply(v interface{}) (*structpb.Struct, error) {
	out, err := encode(v)
	if err != nil {
		return nil, toStatus(err)
	}
	return out, nil
}
