//go:build consul

package consul

import (
	"encoding/json"
	"fmt"
	"time"

	consulapi "github.com/hashicorp/consul/api"

	"meshgate/pkg/model"
)

// Store is a Consul-backed EnrollmentStore implementation. State lives in
// the KV tree under meshgate/ so several daemons can share one view.
type Store struct {
	cli *consulapi.Client
}

const (
	enrollmentPrefix = "meshgate/enrollments/"
	endpointPrefix   = "meshgate/endpoints/"
	eventPrefix      = "meshgate/events/"
	settingsKey      = "meshgate/settings"
)

func NewStore(addr string) *Store {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	cli, _ := consulapi.NewClient(cfg) // ignore error for build; runtime will report
	return &Store{cli: cli}
}

func (s *Store) SaveEnrollment(e model.Enrollment) error {
	if s.cli == nil {
		return fmt.Errorf("consul client not configured")
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.cli.KV().Put(&consulapi.KVPair{Key: enrollmentPrefix + e.PeerAddr, Value: b}, nil)
	return err
}

func (s *Store) GetEnrollment(peerAddr string) (model.Enrollment, bool, error) {
	if s.cli == nil {
		return model.Enrollment{}, false, fmt.Errorf("consul client not configured")
	}
	kv, _, err := s.cli.KV().Get(enrollmentPrefix+peerAddr, nil)
	if err != nil || kv == nil {
		return model.Enrollment{}, false, err
	}
	var e model.Enrollment
	if err := json.Unmarshal(kv.Value, &e); err != nil {
		return model.Enrollment{}, false, err
	}
	return e, true, nil
}

func (s *Store) DeleteEnrollment(peerAddr string) error {
	if s.cli == nil {
		return fmt.Errorf("consul client not configured")
	}
	_, err := s.cli.KV().Delete(enrollmentPrefix+peerAddr, nil)
	return err
}

func (s *Store) ListEnrollments() ([]model.Enrollment, error) {
	if s.cli == nil {
		return nil, fmt.Errorf("consul client not configured")
	}
	pairs, _, err := s.cli.KV().List(enrollmentPrefix, nil)
	if err != nil {
		return nil, err
	}
	var out []model.Enrollment
	for _, p := range pairs {
		var e model.Enrollment
		if err := json.Unmarshal(p.Value, &e); err == nil {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) ReplaceEndpoints(eps []model.TunnelEndpoint) error {
	if s.cli == nil {
		return fmt.Errorf("consul client not configured")
	}
	if _, err := s.cli.KV().DeleteTree(endpointPrefix, nil); err != nil {
		return err
	}
	for _, ep := range eps {
		b, err := json.Marshal(ep)
		if err != nil {
			return err
		}
		if _, err := s.cli.KV().Put(&consulapi.KVPair{Key: endpointPrefix + ep.ID, Value: b}, nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ListEndpoints() ([]model.TunnelEndpoint, error) {
	if s.cli == nil {
		return nil, fmt.Errorf("consul client not configured")
	}
	pairs, _, err := s.cli.KV().List(endpointPrefix, nil)
	if err != nil {
		return nil, err
	}
	var out []model.TunnelEndpoint
	for _, p := range pairs {
		var ep model.TunnelEndpoint
		if err := json.Unmarshal(p.Value, &ep); err == nil {
			out = append(out, ep)
		}
	}
	return out, nil
}

func (s *Store) GetEndpoint(id string) (model.TunnelEndpoint, bool, error) {
	if s.cli == nil {
		return model.TunnelEndpoint{}, false, fmt.Errorf("consul client not configured")
	}
	kv, _, err := s.cli.KV().Get(endpointPrefix+id, nil)
	if err != nil || kv == nil {
		return model.TunnelEndpoint{}, false, err
	}
	var ep model.TunnelEndpoint
	if err := json.Unmarshal(kv.Value, &ep); err != nil {
		return model.TunnelEndpoint{}, false, err
	}
	return ep, true, nil
}

func (s *Store) AppendEvent(ev model.Event) error {
	if s.cli == nil {
		return fmt.Errorf("consul client not configured")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s%d-%s", eventPrefix, ev.Timestamp.UnixNano(), ev.Type)
	_, err = s.cli.KV().Put(&consulapi.KVPair{Key: key, Value: b}, nil)
	return err
}

func (s *Store) ListEvents(limit int) ([]model.Event, error) {
	if s.cli == nil {
		return nil, fmt.Errorf("consul client not configured")
	}
	pairs, _, err := s.cli.KV().List(eventPrefix, nil)
	if err != nil {
		return nil, err
	}
	var out []model.Event
	for _, p := range pairs {
		var ev model.Event
		if err := json.Unmarshal(p.Value, &ev); err == nil {
			out = append(out, ev)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Store) GetSettings() (model.Settings, error) {
	if s.cli == nil {
		return model.Settings{}, fmt.Errorf("consul client not configured")
	}
	kv, _, err := s.cli.KV().Get(settingsKey, nil)
	if err != nil {
		return model.Settings{}, err
	}
	if kv == nil {
		return model.DefaultSettings(), nil
	}
	var st model.Settings
	if err := json.Unmarshal(kv.Value, &st); err != nil {
		return model.Settings{}, err
	}
	return st, nil
}

func (s *Store) UpdateSettings(st model.Settings) error {
	if s.cli == nil {
		return fmt.Errorf("consul client not configured")
	}
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = s.cli.KV().Put(&consulapi.KVPair{Key: settingsKey, Value: b}, nil)
	return err
}

func (s *Store) Ping() error {
	if s.cli == nil {
		return fmt.Errorf("consul client not configured")
	}
	_, err := s.cli.Status().Leader()
	return err
}
