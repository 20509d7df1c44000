package http

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/penserai/acteon/domain"
	"github.com/penserai/acteon/rules"
)

// RuleAdmin owns the authoritative raw rule-set snapshot (including
// disabled rules, which a compiled rules.Plan never carries) and
// recompiles it into the live rules.Engine on every reload or toggle,
// so the two operations can never race each other.
type RuleAdmin struct {
	mu     sync.Mutex
	engine *rules.Engine
	dir    string
	raw    []domain.Rule
}

// NewRuleAdmin seeds a RuleAdmin from the rule files already loaded
// into engine at startup.
func NewRuleAdmin(engine *rules.Engine, dir string, initial []domain.Rule) *RuleAdmin {
	return &RuleAdmin{engine: engine, dir: dir, raw: initial}
}

// List returns the current raw rule-set snapshot, enabled and disabled
// alike, in file order.
func (a *RuleAdmin) List() []domain.Rule {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.Rule, len(a.raw))
	copy(out, a.raw)
	return out
}

// Reload re-reads the rule-file directory and swaps in the new
// snapshot. Per spec.md §6, per-file parse errors are returned without
// invalidating the existing snapshot.
func (a *RuleAdmin) Reload() ([]domain.Rule, []error) {
	ruleSet, errs := rules.LoadDir(a.dir)
	if len(ruleSet) == 0 && len(errs) > 0 {
		return a.List(), errs
	}
	a.apply(ruleSet)
	return ruleSet, errs
}

// Toggle flips the Enabled flag of the named rule and recompiles the
// active Plan. It reports false if no rule with that name exists.
func (a *RuleAdmin) Toggle(name string) (domain.Rule, bool, error) {
	a.mu.Lock()
	idx := -1
	for i, r := range a.raw {
		if r.Name == name {
			idx = i
			break
		}
	}
	if idx == -1 {
		a.mu.Unlock()
		return domain.Rule{}, false, nil
	}
	a.raw[idx].Enabled = !a.raw[idx].Enabled
	ruleSet := make([]domain.Rule, len(a.raw))
	copy(ruleSet, a.raw)
	toggled := a.raw[idx]
	a.mu.Unlock()

	plan, err := a.engine.NewPlan(ruleSet)
	if err != nil {
		return domain.Rule{}, true, err
	}
	a.engine.SetPlan(plan)
	return toggled, true, nil
}

func (a *RuleAdmin) apply(ruleSet []domain.Rule) {
	plan, err := a.engine.NewPlan(ruleSet)
	if err != nil {
		return
	}
	a.mu.Lock()
	a.raw = ruleSet
	a.mu.Unlock()
	a.engine.SetPlan(plan)
}

func (s *Server) handleAdminRulesList(w http.ResponseWriter, r *http.Request) {
	if s.RuleAdmin == nil {
		writeJSON(w, http.StatusOK, []domain.Rule{})
		return
	}
	writeJSON(w, http.StatusOK, s.RuleAdmin.List())
}

func (s *Server) handleAdminRulesReload(w http.ResponseWriter, r *http.Request) {
	if s.RuleAdmin == nil {
		writeError(w, r, notFound("rule admin not configured"))
		return
	}
	ruleSet, errs := s.RuleAdmin.Reload()
	resp := map[string]interface{}{"rules": ruleSet}
	if len(errs) > 0 {
		messages := make([]string, len(errs))
		for i, e := range errs {
			messages[i] = e.Error()
		}
		resp["errors"] = messages
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAdminRuleToggle(w http.ResponseWriter, r *http.Request) {
	if s.RuleAdmin == nil {
		writeError(w, r, notFound("rule admin not configured"))
		return
	}
	name := chi.URLParam(r, "name")
	rule, found, err := s.RuleAdmin.Toggle(name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !found {
		writeError(w, r, notFound("unknown rule"))
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleAdminBreakersList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Breakers.List())
}

func (s *Server) handleAdminBreakerTrip(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	s.Breakers.Trip(provider)
	writeJSON(w, http.StatusOK, map[string]string{"provider": provider, "state": s.Breakers.State(provider).String()})
}

func (s *Server) handleAdminBreakerReset(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	s.Breakers.Reset(provider)
	writeJSON(w, http.StatusOK, map[string]string{"provider": provider, "state": s.Breakers.State(provider).String()})
}

func (s *Server) handleAdminDLQList(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	entries, err := s.Audit.ListDLQ(r.Context(), tenant)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAdminDLQDrain(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	entries, err := s.Audit.DrainDLQ(r.Context(), tenant)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
