package core

import (
	"context"
	"errors"
	"strings"
	"testing"

	"txgraph/internal/infra/persistence/memory"
	"txgraph/pkg/domain"
)

func openModelStore(t *testing.T, m *domain.Model, opts ...Option) (*Store, *memory.Store) {
	t.Helper()
	persistent := memory.NewStore()
	store, err := Open(persistent, m, opts...)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, persistent
}

func violationsOf(t *testing.T, err error) domain.Result {
	t.Helper()
	var cerr *domain.ConstraintViolationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected constraint violation, got %v", err)
	}
	return cerr.Result
}

// ticketModel: status drives a conditional requirement on resolution, code
// is length-limited and body is a required text blob.
func ticketModel(t *testing.T) *domain.Model {
	t.Helper()
	m := domain.NewModel()
	err := m.AddEntity(&domain.EntityMetadata{
		Type: "Ticket",
		Properties: map[string]domain.PropertyMetadata{
			"body": {Type: domain.PropertyText},
		},
		Required: []string{"body"},
		RequiredIf: func(e domain.EntityReader) []string {
			if e.Property("status") == "closed" {
				return []string{"resolution"}
			}
			return nil
		},
		Constraints: map[string][]domain.PropertyConstraint{
			"code": {domain.MaxLength(3)},
		},
	})
	if err != nil {
		t.Fatalf("add ticket: %v", err)
	}
	return m
}

func TestCardinalityOfExactlyOneEnd(t *testing.T) {
	store, _ := openTestStore(t)
	s := beginSession(t, store)
	car := newEntityOf(t, s, "Car")

	res := violationsOf(t, s.Flush(context.Background()))
	if res.Count(domain.ViolationCardinality) != 1 || res.Violations[0].Field != "owner" {
		t.Fatalf("expected a missing owner, got %+v", res.Violations)
	}
	if res.Violations[0].Rule != RuleAssociationCardinality {
		t.Fatalf("unexpected rule %q", res.Violations[0].Rule)
	}
	if !s.IsOpen() {
		t.Fatalf("violations must leave the session open")
	}

	p := newEntityOf(t, s, "Person")
	must(t, s.Link(car, "owner", p))
	mustFlush(t, s)

	p2 := newEntityOf(t, s, "Person")
	must(t, car.AddLink("owner", p2))
	res = violationsOf(t, s.Flush(context.Background()))
	if res.Count(domain.ViolationCardinality) != 1 {
		t.Fatalf("expected two owners to be rejected, got %+v", res.Violations)
	}
	must(t, car.DeleteLink("owner", p2))
	mustFlush(t, s)
}

func TestCheckCardinalityCountsAtMostTwo(t *testing.T) {
	store, _ := openTestStore(t)
	s := beginSession(t, store)
	car := newEntityOf(t, s, "Car")
	end, ok := endOf(store.Model(), "Car", "owner")
	if !ok {
		t.Fatalf("owner end not declared")
	}
	v := store.Validator()
	if v.CheckCardinality(car, end) {
		t.Fatalf("zero owners accepted")
	}
	must(t, car.AddLink("owner", newEntityOf(t, s, "Person")))
	if !v.CheckCardinality(car, end) {
		t.Fatalf("one owner rejected")
	}
	must(t, car.AddLink("owner", newEntityOf(t, s, "Person")))
	must(t, car.AddLink("owner", newEntityOf(t, s, "Person")))
	if v.CheckCardinality(car, end) {
		t.Fatalf("three owners accepted")
	}
}

func TestEmptyRequiredIndexedNameReportsBothViolations(t *testing.T) {
	store, persistent := openTestStore(t)
	s := beginSession(t, store)
	newAccount(t, s, "")

	res := violationsOf(t, s.Flush(context.Background()))
	if !res.Has(domain.ViolationRequiredProperty) || !res.Has(domain.ViolationIndexFieldEmpty) {
		t.Fatalf("expected required and index violations, got %+v", res.Violations)
	}
	if len(res.Violations) != 2 {
		t.Fatalf("expected exactly two violations, got %+v", res.Violations)
	}
	if got := committed(t, persistent).Entities("Account"); len(got) != 0 {
		t.Fatalf("violating flush wrote %v", got)
	}
}

func TestRequiredPropertiesOfExistingEntitiesOnlyWhenChanged(t *testing.T) {
	store, _ := openTestStore(t)
	s := beginSession(t, store)
	acc := newAccount(t, s, "ops")
	mustFlush(t, s)

	must(t, acc.SetProperty("note", "x"))
	mustFlush(t, s)

	must(t, acc.DeleteProperty("name"))
	res := violationsOf(t, s.Flush(context.Background()))
	if res.Count(domain.ViolationRequiredProperty) != 1 {
		t.Fatalf("expected removed name to be reported, got %+v", res.Violations)
	}
}

func TestRequiredTextAndConditionalProperties(t *testing.T) {
	store, _ := openModelStore(t, ticketModel(t))
	s := beginSession(t, store)
	ticket := newEntityOf(t, s, "Ticket")

	res := violationsOf(t, s.Flush(context.Background()))
	if len(res.Violations) != 1 || res.Violations[0].Field != "body" {
		t.Fatalf("expected missing body, got %+v", res.Violations)
	}
	must(t, ticket.SetBlobString("body", "printer on fire"))
	must(t, ticket.SetProperty("status", "open"))
	mustFlush(t, s)

	must(t, ticket.SetProperty("status", "closed"))
	res = violationsOf(t, s.Flush(context.Background()))
	if len(res.Violations) != 1 || res.Violations[0].Field != "resolution" {
		t.Fatalf("expected missing resolution, got %+v", res.Violations)
	}
	must(t, ticket.SetProperty("resolution", "replaced"))
	mustFlush(t, s)
}

func TestPropertyConstraintsFromModelAndValidator(t *testing.T) {
	store, _ := openModelStore(t, ticketModel(t))
	store.Validator().AddPropertyConstraint("Ticket", "owner", domain.PropertyConstraintFunc(
		func(_ domain.EntityReader, prop domain.PropertyMetadata, value any) error {
			if s, _ := value.(string); !strings.HasPrefix(s, "@") {
				return errors.New(prop.Name + " must be a handle")
			}
			return nil
		}))
	s := beginSession(t, store)
	ticket := newEntityOf(t, s, "Ticket")
	must(t, ticket.SetBlobString("body", "b"))
	must(t, ticket.SetProperty("code", "ABCD"))
	must(t, ticket.SetProperty("owner", "kim"))

	res := violationsOf(t, s.Flush(context.Background()))
	if res.Count(domain.ViolationPropertyValidation) != 2 {
		t.Fatalf("expected two property violations, got %+v", res.Violations)
	}
	for _, v := range res.Violations {
		if v.Rule != RulePropertyConstraints {
			t.Fatalf("unexpected rule %q", v.Rule)
		}
	}
	must(t, ticket.SetProperty("code", "ABC"))
	must(t, ticket.SetProperty("owner", "@kim"))
	mustFlush(t, s)
}

func TestIncomingLinksAggregatedPerSource(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IncomingLinkCauseLimit = 2
	store, _ := openTestStore(t, WithConfig(cfg))
	s := beginSession(t, store)
	d := newEntityOf(t, s, "Doc")
	d2 := newEntityOf(t, s, "Doc")
	tags := []*Entity{newEntityOf(t, s, "Tag"), newEntityOf(t, s, "Tag"), newEntityOf(t, s, "Tag")}
	for _, tag := range tags {
		must(t, d.AddLink("refs", tag))
	}
	must(t, d2.AddLink("refs", tags[0]))
	mustFlush(t, s)

	for _, tag := range tags {
		must(t, tag.Delete())
	}
	res := violationsOf(t, s.Flush(context.Background()))
	if res.Count(domain.ViolationIncomingLinks) != 2 {
		t.Fatalf("expected one violation per source, got %+v", res.Violations)
	}
	for _, v := range res.Violations {
		switch v.Entity {
		case d.ID():
			if len(v.Causes) != 2 || v.TruncatedCauses != 1 {
				t.Fatalf("expected two causes and one truncated, got %+v", v)
			}
			if !strings.Contains(v.String(), "and 1 more") {
				t.Fatalf("truncation not rendered: %s", v)
			}
		case d2.ID():
			if len(v.Causes) != 1 || v.Causes[0].LinkName != "refs" {
				t.Fatalf("unexpected causes %+v", v.Causes)
			}
		default:
			t.Fatalf("unexpected source %+v", v)
		}
	}

	must(t, d.DeleteLinks("refs"))
	must(t, d2.DeleteLinks("refs"))
	mustFlush(t, s)
}

func TestUnknownTypesAreNotValidated(t *testing.T) {
	logger := &captureLogger{}
	store, _ := openTestStore(t, WithLogger(logger))
	s := beginSession(t, store)
	ghost := newEntityOf(t, s, "Ghost")
	must(t, ghost.SetProperty("name", ""))
	mustFlush(t, s)
	if !logger.has("d:skipping validation of unknown type") {
		t.Fatalf("expected debug log, got %v", logger.calls)
	}
}

func TestRulesEngineNamesViolationsAndWrapsErrors(t *testing.T) {
	boom := errors.New("boom")
	engine := NewRulesEngine()
	engine.Register(nil)
	engine.Register(NewRule("no_drafts", func(_ context.Context, _ *Session, changes []EntityChange) (domain.Result, error) {
		var res domain.Result
		for _, c := range changes {
			if c.Entity != nil && c.Entity.Property("draft") == true {
				res.Add(domain.Violation{Kind: domain.ViolationPropertyValidation, Field: "draft", Message: "drafts cannot be saved"})
			}
		}
		return res, nil
	}))
	store, _ := openTestStore(t, WithRulesEngine(engine))
	if got := len(store.RulesEngine().Rules()); got != 1 {
		t.Fatalf("expected one rule, got %d", got)
	}
	s := beginSession(t, store)
	doc := newEntityOf(t, s, "Doc")
	must(t, doc.SetProperty("draft", true))
	res := violationsOf(t, s.Flush(context.Background()))
	if len(res.Violations) != 1 || res.Violations[0].Rule != "no_drafts" {
		t.Fatalf("unexpected violations %+v", res.Violations)
	}

	engine.Register(NewRule("broken", func(context.Context, *Session, []EntityChange) (domain.Result, error) {
		return domain.Result{}, boom
	}))
	must(t, doc.SetProperty("draft", false))
	err := s.Flush(context.Background())
	if !errors.Is(err, boom) || !strings.Contains(err.Error(), "rule broken") {
		t.Fatalf("expected wrapped rule error, got %v", err)
	}
}

func TestDefaultRulesEngineOrder(t *testing.T) {
	want := []string{RuleAssociationCardinality, RuleRequiredProperties, RulePropertyConstraints, RuleIndexFields, RuleIncomingLinks}
	rules := NewDefaultRulesEngine().Rules()
	if len(rules) != len(want) {
		t.Fatalf("expected %d rules, got %d", len(want), len(rules))
	}
	for i, r := range rules {
		if r.Name() != want[i] {
			t.Fatalf("rule %d: got %s want %s", i, r.Name(), want[i])
		}
	}
}
