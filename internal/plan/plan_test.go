package plan

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/arkfield/shuttle/internal/schema"
)

// ent builds a test entity whose lookups map field name -> target entity.
func ent(name string, lookups map[string]string) schema.Entity {
	e := schema.Entity{
		LogicalName: name,
		PrimaryID:   name + "id",
		Fields: []schema.Field{
			{LogicalName: name + "id", Type: schema.TypeGUID},
			{LogicalName: "name", Type: schema.TypeString},
		},
	}
	fields := make([]string, 0, len(lookups))
	for f := range lookups {
		fields = append(fields, f)
	}
	// Sorted so declaration order never varies between runs.
	for i := 0; i < len(fields); i++ {
		for j := i + 1; j < len(fields); j++ {
			if fields[j] < fields[i] {
				fields[i], fields[j] = fields[j], fields[i]
			}
		}
	}
	for _, f := range fields {
		e.Fields = append(e.Fields, schema.Field{
			LogicalName: f, Type: schema.TypeLookup, TargetEntity: lookups[f],
		})
	}
	return e
}

func tierNames(p *ExecutionPlan) [][]string {
	out := make([][]string, len(p.Tiers))
	for i, t := range p.Tiers {
		out[i] = t.Entities()
	}
	return out
}

func TestAcyclicChainLayersIntoTiers(t *testing.T) {
	s := schema.New([]schema.Entity{
		ent("account", map[string]string{"parentbusinessunit": "businessunit"}),
		ent("businessunit", map[string]string{"transactioncurrency": "currency"}),
		ent("currency", nil),
	})
	p := Build(s)

	want := [][]string{{"currency"}, {"businessunit"}, {"account"}}
	if got := tierNames(p); !reflect.DeepEqual(got, want) {
		t.Errorf("tiers = %v, want %v", got, want)
	}
	if len(p.DeferredFields) != 0 {
		t.Errorf("deferred = %v, want none", p.DeferredFields)
	}
	if p.EntityCount() != 3 {
		t.Errorf("entity count = %d, want 3", p.EntityCount())
	}
}

func TestTwoEntityCycleDefersForwardEdge(t *testing.T) {
	s := schema.New([]schema.Entity{
		ent("account", map[string]string{"primarycontact": "contact"}),
		ent("contact", map[string]string{"parentaccount": "account"}),
	})
	p := Build(s)

	if len(p.Tiers) != 1 {
		t.Fatalf("got %d tiers, want 1", len(p.Tiers))
	}
	g := p.Tiers[0].Groups
	if len(g) != 1 || !g[0].Cyclic {
		t.Fatalf("groups = %+v, want one cyclic group", g)
	}
	if want := []string{"account", "contact"}; !reflect.DeepEqual(g[0].Entities, want) {
		t.Errorf("group order = %v, want %v", g[0].Entities, want)
	}
	want := map[string][]string{"account": {"primarycontact"}}
	if !reflect.DeepEqual(p.DeferredFields, want) {
		t.Errorf("deferred = %v, want %v", p.DeferredFields, want)
	}
	if !p.IsDeferred("account", "primarycontact") {
		t.Error("IsDeferred(account, primarycontact) = false")
	}
	if p.IsDeferred("contact", "parentaccount") {
		t.Error("the backward edge must not defer")
	}
}

func TestSelfEdgeAlwaysDefers(t *testing.T) {
	s := schema.New([]schema.Entity{
		ent("account", map[string]string{"parentaccount": "account"}),
	})
	p := Build(s)

	if len(p.Tiers) != 1 || len(p.Tiers[0].Groups) != 1 {
		t.Fatalf("tiers = %+v, want one single-group tier", p.Tiers)
	}
	if !p.Tiers[0].Groups[0].Cyclic {
		t.Error("self-referencing entity should form a cyclic group")
	}
	if want := []string{"parentaccount"}; !reflect.DeepEqual(p.DeferredFor("account"), want) {
		t.Errorf("deferred = %v, want %v", p.DeferredFor("account"), want)
	}
}

func TestThreeEntityCycleDefersForwardEdgesOnly(t *testing.T) {
	s := schema.New([]schema.Entity{
		ent("alpha", map[string]string{"tobeta": "beta"}),
		ent("beta", map[string]string{"togamma": "gamma"}),
		ent("gamma", map[string]string{"toalpha": "alpha"}),
	})
	p := Build(s)

	if len(p.Tiers) != 1 {
		t.Fatalf("got %d tiers, want 1", len(p.Tiers))
	}
	if want := []string{"alpha", "beta", "gamma"}; !reflect.DeepEqual(p.Tiers[0].Groups[0].Entities, want) {
		t.Errorf("group order = %v, want %v", p.Tiers[0].Groups[0].Entities, want)
	}
	want := map[string][]string{
		"alpha": {"tobeta"},
		"beta":  {"togamma"},
	}
	if !reflect.DeepEqual(p.DeferredFields, want) {
		t.Errorf("deferred = %v, want %v", p.DeferredFields, want)
	}
}

func TestCycleWithDownstreamDependent(t *testing.T) {
	s := schema.New([]schema.Entity{
		ent("account", map[string]string{"primarycontact": "contact"}),
		ent("contact", map[string]string{"parentaccount": "account"}),
		ent("opportunity", map[string]string{"customer": "account"}),
	})
	p := Build(s)

	want := [][]string{{"account", "contact"}, {"opportunity"}}
	if got := tierNames(p); !reflect.DeepEqual(got, want) {
		t.Errorf("tiers = %v, want %v", got, want)
	}
}

func TestIndependentCyclesShareATier(t *testing.T) {
	s := schema.New([]schema.Entity{
		ent("wheel", map[string]string{"axle": "cart"}),
		ent("cart", map[string]string{"front": "wheel"}),
		ent("lock", map[string]string{"opens": "key"}),
		ent("key", map[string]string{"cuts": "lock"}),
	})
	p := Build(s)

	if len(p.Tiers) != 1 {
		t.Fatalf("got %d tiers, want 1", len(p.Tiers))
	}
	groups := p.Tiers[0].Groups
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
	// Groups sort by first member.
	if groups[0].Entities[0] != "cart" || groups[1].Entities[0] != "key" {
		t.Errorf("group order = %v / %v", groups[0].Entities, groups[1].Entities)
	}
}

func TestLookupsOutsideSchemaAreIgnored(t *testing.T) {
	s := schema.New([]schema.Entity{
		ent("account", map[string]string{"owner": "systemuser", "currency": "transactioncurrency"}),
	})
	p := Build(s)

	want := [][]string{{"account"}}
	if got := tierNames(p); !reflect.DeepEqual(got, want) {
		t.Errorf("tiers = %v, want %v", got, want)
	}
	if len(p.DeferredFields) != 0 {
		t.Errorf("deferred = %v, want none", p.DeferredFields)
	}
}

func TestPlanIsDeterministicAcrossDeclarationOrder(t *testing.T) {
	entities := []schema.Entity{
		ent("account", map[string]string{"primarycontact": "contact", "parentaccount": "account"}),
		ent("contact", map[string]string{"parentaccount": "account", "originating": "lead"}),
		ent("lead", map[string]string{"qualified": "contact"}),
		ent("currency", nil),
		ent("businessunit", map[string]string{"transactioncurrency": "currency"}),
	}
	p1 := Build(schema.New(entities))

	reversed := make([]schema.Entity, len(entities))
	for i, e := range entities {
		reversed[len(entities)-1-i] = e
	}
	p2 := Build(schema.New(reversed))

	if !reflect.DeepEqual(tierNames(p1), tierNames(p2)) {
		t.Errorf("tiers differ across declaration orders:\n%v\n%v", tierNames(p1), tierNames(p2))
	}
	if !reflect.DeepEqual(p1.DeferredFields, p2.DeferredFields) {
		t.Errorf("deferred fields differ:\n%v\n%v", p1.DeferredFields, p2.DeferredFields)
	}
	// Identical down to the rendered bytes, not just equal shapes.
	if a, b := fmt.Sprintf("%#v", *p1), fmt.Sprintf("%#v", *p2); a != b {
		t.Errorf("plans render differently across declaration orders:\n%s\n%s", a, b)
	}
}

func TestManyToManySurfacesSorted(t *testing.T) {
	a := ent("account", nil)
	a.Relationships = []schema.Relationship{
		{Name: "teammembership", EntityA: "account", EntityB: "team", IsManyToMany: true},
		{Name: "accountleads", EntityA: "account", EntityB: "lead", IsManyToMany: true},
		{Name: "account_parent", EntityA: "account", EntityB: "account"},
	}
	l := ent("lead", nil)
	l.Relationships = []schema.Relationship{
		{Name: "accountleads", EntityA: "lead", EntityB: "account", IsManyToMany: true},
	}
	p := Build(schema.New([]schema.Entity{a, l}))

	want := []string{"accountleads", "teammembership"}
	if !reflect.DeepEqual(p.M2M, want) {
		t.Errorf("m2m = %v, want %v", p.M2M, want)
	}
}

func TestEmptySchemaYieldsEmptyPlan(t *testing.T) {
	p := Build(schema.New(nil))
	if len(p.Tiers) != 0 || p.EntityCount() != 0 {
		t.Errorf("plan = %+v, want empty", p)
	}
}

func TestEveryLookupEdgeSatisfiedByTierOrDeferral(t *testing.T) {
	// A denser schema: invariant checked edge by edge.
	s := schema.New([]schema.Entity{
		ent("account", map[string]string{"primarycontact": "contact", "parentaccount": "account", "unit": "businessunit"}),
		ent("contact", map[string]string{"parentaccount": "account"}),
		ent("businessunit", map[string]string{"parentunit": "businessunit", "transactioncurrency": "currency"}),
		ent("currency", nil),
		ent("case", map[string]string{"customer": "account", "contact": "contact"}),
	})
	p := Build(s)

	tierIndex := make(map[string]int)
	position := make(map[string]int)
	for ti, tier := range p.Tiers {
		for pi, name := range tier.Entities() {
			tierIndex[name] = ti
			position[name] = pi
		}
	}

	for _, e := range s.Entities {
		for _, f := range e.LookupFields() {
			if s.Index(f.TargetEntity) < 0 {
				continue
			}
			x, y := e.LogicalName, f.TargetEntity
			switch {
			case tierIndex[y] < tierIndex[x]:
			case p.IsDeferred(x, f.LogicalName):
			case tierIndex[y] == tierIndex[x] && position[y] < position[x]:
			default:
				t.Errorf("edge %s.%s -> %s is neither lower-tier, deferred, nor behind its owner", x, f.LogicalName, y)
			}
		}
	}
}
