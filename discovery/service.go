package discovery

import (
	"fmt"
	"time"

	"mini-discovery/api"
	"mini-discovery/registry"

	"go.uber.org/zap"
)

// Store is the part of the registry the RPC service needs.
type Store interface {
	Upsert(dto *api.ServiceDto) (registry.Record, bool)
	Find(name, scope string) []registry.Record
}

// Service is the RPC receiver published as "Discovery". Its methods never
// return an error: failures are reported in the response with Ok == false.
type Service struct {
	store       Store
	refreshRate int32
	logger      *zap.Logger
}

func NewService(store Store, refreshRate time.Duration, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	secs := int32(refreshRate / time.Second)
	if secs < 1 {
		secs = 1
	}
	return &Service{store: store, refreshRate: secs, logger: logger}
}

// RegisterService upserts the caller's record and tells it how often to refresh.
// An empty payload is accepted and ignored.
func (s *Service) RegisterService(args *api.ServiceDto, reply *api.RegisterServiceResponse) error {
	defer s.recover("RegisterService", &reply.Ok, &reply.Error)

	reply.Ok = true
	reply.RefreshRateSeconds = s.refreshRate
	if _, ok := s.store.Upsert(args); !ok {
		s.logger.Debug("empty registration ignored")
	}
	return nil
}

func (s *Service) FindService(args *api.FindServiceRequest, reply *api.FindServiceResponse) error {
	defer s.recover("FindService", &reply.Ok, &reply.Error)

	recs := s.store.Find(args.Name, args.Scope)
	reply.Services = make([]api.ServiceDto, 0, len(recs))
	for _, r := range recs {
		reply.Services = append(reply.Services, r.ToDto())
	}
	reply.Ok = true
	return nil
}

func (s *Service) recover(method string, ok *bool, msg *string) {
	if p := recover(); p != nil {
		*ok = false
		*msg = fmt.Sprint(p)
		s.logger.Error("registry call failed", zap.String("method", method), zap.Any("panic", p))
	}
}
