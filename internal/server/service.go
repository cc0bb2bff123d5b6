package server

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joseph-ayodele/listing-diagnostics/internal/common"
	"github.com/joseph-ayodele/listing-diagnostics/internal/pipeline"
	"github.com/joseph-ayodele/listing-diagnostics/internal/submissions"
	"github.com/joseph-ayodele/listing-diagnostics/internal/utils"
)

// SubmissionServer translates gRPC documents to submission service calls.
type SubmissionServer struct {
	svc    *submissions.Service
	logger *slog.Logger
}

func NewSubmissionServer(svc *submissions.Service, logger *slog.Logger) *SubmissionServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubmissionServer{svc: svc, logger: logger}
}

// Submit accepts {"property_url": "..."} and returns the new submission's status view.
func (s *SubmissionServer) Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	url := utils.StringField(req, "property_url")
	if url == "" {
		return nil, common.InvalidArgumentError("property_url is required")
	}
	view, err := s.svc.Submit(ctx, url)
	if err != nil {
		return nil, err
	}
	s.logger.Info("submission accepted", "submission_id", view.ID, "property_url", url)
	return viewStruct(view)
}

func (s *SubmissionServer) GetStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	view, err := s.svc.Status(ctx, utils.StringField(req, "id"))
	if err != nil {
		return nil, err
	}
	return viewStruct(view)
}

func (s *SubmissionServer) Advance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	view, err := s.svc.Advance(ctx, utils.StringField(req, "id"))
	if err != nil {
		return nil, err
	}
	return viewStruct(view)
}

func (s *SubmissionServer) Requeue(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	view, err := s.svc.Requeue(ctx, utils.StringField(req, "id"))
	if err != nil {
		return nil, err
	}
	return viewStruct(view)
}

// List accepts {"statuses": [...], "platform": "...", "limit": n, "offset": n}.
func (s *SubmissionServer) List(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var lr submissions.ListRequest
	if err := utils.FromStruct(req, &lr); err != nil {
		return nil, common.InvalidArgumentError(fmt.Sprintf("malformed list request: %v", err))
	}
	views, err := s.svc.List(ctx, lr)
	if err != nil {
		return nil, err
	}
	return utils.ToStruct(struct {
		Submissions []pipeline.StatusView `json:"submissions"`
	}{Submissions: views})
}

// Export returns {"filename": "...", "xlsx_base64": "..."}.
func (s *SubmissionServer) Export(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var er submissions.ExportRequest
	if err := utils.FromStruct(req, &er); err != nil {
		return nil, common.InvalidArgumentError(fmt.Sprintf("malformed export request: %v", err))
	}
	xlsx, err := s.svc.Export(ctx, er)
	if err != nil {
		s.logger.Error("export.xlsx.failed", "error", err)
		return nil, err
	}
	return structpb.NewStruct(map[string]any{
		"filename":    fmt.Sprintf("submissions-%s.xlsx", time.Now().UTC().Format("20060102-150405")),
		"xlsx_base64": base64.StdEncoding.EncodeToString(xlsx),
	})
}

func viewStruct(v pipeline.StatusView) (*structpb.Struct, error) {
	st, err := utils.ToStruct(v)
	if err != nil {
		return nil, common.InternalError(err.Error())
	}
	return st, nil
}
