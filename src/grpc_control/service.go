package grpc_control

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"signal-hub/src/config"
	"signal-hub/src/helpers"
	"signal-hub/src/interfaces"
	"signal-hub/src/logger"
	"signal-hub/src/models"
	"signal-hub/src/routing"
	"signal-hub/src/utils"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "signalhub.control.v1.FanoutControl"

// FanoutControlServer is the control plane used by out-of-process application
// features: subscription management, event publishing, health and routing.
type FanoutControlServer interface {
	Subscribe(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Unsubscribe(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Broadcast(context.Context, *structpb.Struct) (*structpb.Struct, error)
	HealthSnapshot(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListRoutes(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetRoute(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// -----------------------------------------------------------------------------

// ControlService implements FanoutControlServer over the event hub.
type ControlService struct {
	Config     *config.Config
	ConfigPath string
	Hub        interfaces.IEventHub
	Router     *routing.EventRouter
	Matcher    routing.Matcher
	Resolver   *utils.SessionResolver
	Logger     *logger.Logger

	configMu sync.Mutex
}

// NewControlService creates a new instance of ControlService
func NewControlService(
	cfg *config.Config,
	cfgPath string,
	hub interfaces.IEventHub,
	router *routing.EventRouter,
	matcher routing.Matcher,
	resolver *utils.SessionResolver,
	log *logger.Logger,
) *ControlService {
	return &ControlService{
		Config:     cfg,
		ConfigPath: cfgPath,
		Hub:        hub,
		Router:     router,
		Matcher:    matcher,
		Resolver:   resolver,
		Logger:     log,
	}
}

// Register attaches the service to a gRPC server.
func Register(s *grpc.Server, svc FanoutControlServer) {
	s.RegisterService(&ServiceDesc, svc)
}

// -----------------------------------------------------------------------------

type subscribeRequest struct {
	UserID   string           `json:"user_id"`
	Criteria models.MCriteria `json:"criteria"`
}

func (s *ControlService) Subscribe(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in subscribeRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	subID, err := s.Hub.Subscribe(in.UserID, in.Criteria)
	if err != nil {
		return nil, statusFromError(err)
	}
	return toStruct(map[string]any{"subscription_id": subID})
}

// -----------------------------------------------------------------------------

func (s *ControlService) Unsubscribe(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	subID := req.GetFields()["subscription_id"].GetStringValue()
	if subID == "" {
		return nil, status.Error(codes.InvalidArgument, "subscription_id is required")
	}
	if !s.Hub.Unsubscribe(subID) {
		return nil, status.Errorf(codes.NotFound, "subscription %s not found", subID)
	}
	return toStruct(map[string]any{"removed": true})
}

// -----------------------------------------------------------------------------

func (s *ControlService) Broadcast(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var event models.MEvent
	if err := fromStruct(req, &event); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if event.Type == "" {
		return nil, status.Error(codes.InvalidArgument, "event type is required")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	if !s.Hub.Broadcast(event) {
		return nil, statusFromError(helpers.ErrQueueFull)
	}
	return toStruct(map[string]any{"event_id": event.ID})
}

// -----------------------------------------------------------------------------

func (s *ControlService) HealthSnapshot(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return toStruct(s.Hub.HealthSnapshot())
}

// -----------------------------------------------------------------------------

func (s *ControlService) ListRoutes(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return toStruct(map[string]any{"routes": s.Router.Rules()})
}

// -----------------------------------------------------------------------------

// SetRoute binds an event type to a strategy at runtime and keeps the config
// file in step.
func (s *ControlService) SetRoute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var route models.MRouteConfig
	if err := fromStruct(req, &route); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if route.EventType == "" {
		return nil, status.Error(codes.InvalidArgument, "event_type is required")
	}

	fanout := s.Config.Fanout
	if err := s.Router.ApplyRoutes([]models.MRouteConfig{route}, s.Matcher, fanout.InstanceIndex, fanout.InstanceCount, s.Resolver); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	s.configMu.Lock()
	replaced := false
	for i, r := range s.Config.Routes {
		if r.EventType == route.EventType {
			s.Config.Routes[i] = route
			replaced = true
			break
		}
	}
	if !replaced {
		s.Config.Routes = append(s.Config.Routes, route)
	}
	var saveErr error
	if s.ConfigPath != "" {
		saveErr = s.Config.Save(s.ConfigPath)
	}
	s.configMu.Unlock()

	if saveErr != nil {
		s.Logger.Error("gRPC: route %s applied but config not saved: %v", route.EventType, saveErr)
	}
	s.Logger.Info("gRPC: SetRoute %s -> %s", route.EventType, route.Strategy)
	return toStruct(map[string]any{
		"success": true,
		"message": fmt.Sprintf("routing %s with %s", route.EventType, s.Router.Rules()[route.EventType]),
	})
}

// -----------------------------------------------------------------------------

func statusFromError(err error) error {
	switch {
	case errors.Is(err, helpers.ErrInvalidCriteria):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, helpers.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, helpers.ErrQueueFull):
		return status.Error(codes.ResourceExhausted, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
