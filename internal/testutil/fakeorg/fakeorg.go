// Package fakeorg provides an in-memory organization service for tests.
//
// An Org speaks the same wire protocol the real client does: bulk writes,
// paged scans, associations, metadata, and existence checks, with records
// held in per-entity tables. Tests script faults (throttles, transient
// races, plain server errors) against upcoming calls and inspect every
// bulk request the server received.
//
// Usage:
//
//	func TestSomething(t *testing.T) {
//	    org := fakeorg.New(t)
//	    org.Stub(1, fakeorg.ThrottleFault(1), nil)
//	    client := org.Client("primary")
//	    ...
//	}
package fakeorg

import (
	"encoding/json"
	"maps"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/arkfield/shuttle/internal/dataverse"
	"github.com/arkfield/shuttle/internal/pool"
	"github.com/arkfield/shuttle/internal/schema"
)

// Server error codes for per-record failures.
const (
	CodeDuplicate = dataverse.CodeDuplicateRecord    // record with these keys already exists
	CodeMissing   = dataverse.CodeObjectDoesNotExist // object does not exist
)

// BulkCall is one bulk request the server received.
type BulkCall struct {
	Operation string
	Entity    string
	Targets   []dataverse.WireRecord
	Header    http.Header
	Tag       string
}

// Fault scripts one failed response.
type Fault struct {
	Status     int
	Code       string
	Message    string
	RetryAfter string // Retry-After header, set for throttles
}

// ThrottleFault builds a service-protection rejection asking the caller to
// back off for the given number of seconds.
func ThrottleFault(seconds int) Fault {
	return Fault{
		Status:     http.StatusTooManyRequests,
		Code:       dataverse.CodeRateLimitExceeded,
		Message:    "Number of requests exceeded the limit of 6000 over time window of 300 seconds.",
		RetryAfter: strconv.Itoa(seconds),
	}
}

// RaceFault builds the transient table-type fault the service returns when
// parallel bulk writes land on a freshly created table.
func RaceFault() Fault {
	return Fault{
		Status:  http.StatusInternalServerError,
		Code:    "0x80048544",
		Message: `Cannot drop type "dbo.accountType" because it is being referenced by object 'CreateMultipleRequest'.`,
	}
}

type stub struct {
	times int
	fault Fault
	match func(BulkCall) bool
}

type pageStub struct {
	times  int
	fault  Fault
	entity string
}

type table struct {
	recs  map[string]dataverse.WireRecord
	order []string
}

// Org is one fake organization served over HTTP.
type Org struct {
	t   testing.TB
	srv *httptest.Server

	mu        sync.Mutex
	tables    map[string]*table
	metadata  map[string]dataverse.EntityMetadata
	links     map[string]map[string]map[string]bool // relationship -> id -> related ids
	stubs     []stub
	pageStubs []pageStub
	calls     []BulkCall
	hint      int
	userID    uuid.UUID
}

// New starts a fake organization. The server shuts down when the test
// completes.
func New(t testing.TB) *Org {
	t.Helper()
	o := &Org{
		t:        t,
		tables:   make(map[string]*table),
		metadata: make(map[string]dataverse.EntityMetadata),
		links:    make(map[string]map[string]map[string]bool),
		userID:   uuid.New(),
	}
	o.srv = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.srv.Close)
	return o
}

// URL returns the organization's base URL.
func (o *Org) URL() string { return o.srv.URL }

// Client returns a connected client named name.
func (o *Org) Client(name string) *dataverse.Client {
	o.t.Helper()
	c, err := dataverse.New(dataverse.Config{
		Name:    name,
		BaseURL: o.srv.URL,
		Token:   dataverse.StaticToken("test-token"),
	})
	if err != nil {
		o.t.Fatalf("fakeorg: building client %q: %v", name, err)
	}
	return c
}

// Source returns a pre-authenticated pool source named name.
func (o *Org) Source(name string, maxPoolSize int) pool.Source {
	o.t.Helper()
	src, err := pool.NewPreAuthenticatedSource(o.Client(name), maxPoolSize)
	if err != nil {
		o.t.Fatalf("fakeorg: building source %q: %v", name, err)
	}
	return src
}

// SetParallelismHint makes every response advertise n as the recommended
// degree of parallelism.
func (o *Org) SetParallelismHint(n int) {
	o.mu.Lock()
	o.hint = n
	o.mu.Unlock()
}

// Stub fails the next times matching bulk calls with fault. A nil match
// matches every bulk call. Stubs are consumed in the order they were added.
func (o *Org) Stub(times int, fault Fault, match func(BulkCall) bool) {
	o.mu.Lock()
	o.stubs = append(o.stubs, stub{times: times, fault: fault, match: match})
	o.mu.Unlock()
}

// StubPage fails the next times page retrievals with fault. An empty
// entity matches every scan.
func (o *Org) StubPage(times int, fault Fault, entity string) {
	o.mu.Lock()
	o.pageStubs = append(o.pageStubs, pageStub{times: times, fault: fault, entity: entity})
	o.mu.Unlock()
}

// DefineEntity registers metadata served to metadata lookups.
func (o *Org) DefineEntity(md dataverse.EntityMetadata) {
	o.mu.Lock()
	o.metadata[md.LogicalName] = md
	o.mu.Unlock()
}

// DefineFromSchema registers metadata derived from a schema entity, with
// every field valid for create and update.
func (o *Org) DefineFromSchema(ent *schema.Entity) {
	md := dataverse.EntityMetadata{
		LogicalName: ent.LogicalName,
		PrimaryID:   ent.PrimaryID,
	}
	for _, f := range ent.Fields {
		md.Fields = append(md.Fields, dataverse.FieldMetadata{
			LogicalName:    f.LogicalName,
			Type:           string(f.Type),
			ValidForCreate: true,
			ValidForUpdate: true,
		})
	}
	o.DefineEntity(md)
}

// SeedRecords loads records into an entity's table without going through
// the wire.
func (o *Org) SeedRecords(entity string, recs ...dataverse.WireRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	tbl := o.table(entity)
	for _, r := range recs {
		tbl.put(r)
	}
}

// Record returns the stored record for id, if present.
func (o *Org) Record(entity, id string) (dataverse.WireRecord, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	tbl, ok := o.tables[entity]
	if !ok {
		return dataverse.WireRecord{}, false
	}
	r, ok := tbl.recs[id]
	return r, ok
}

// StoredCount returns how many records entity holds.
func (o *Org) StoredCount(entity string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	tbl, ok := o.tables[entity]
	if !ok {
		return 0
	}
	return len(tbl.recs)
}

// Links returns the related ids associated with (relationship, id), sorted.
func (o *Org) Links(relationship, id string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []string
	for rid := range o.links[relationship][id] {
		out = append(out, rid)
	}
	sort.Strings(out)
	return out
}

// SeedLinks associates related ids with (relationship, id) without going
// through the wire.
func (o *Org) SeedLinks(relationship, id string, relatedIDs ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	byID := o.links[relationship]
	if byID == nil {
		byID = make(map[string]map[string]bool)
		o.links[relationship] = byID
	}
	set := byID[id]
	if set == nil {
		set = make(map[string]bool)
		byID[id] = set
	}
	for _, rid := range relatedIDs {
		set[rid] = true
	}
}

// BulkCalls returns every bulk call received, in arrival order.
func (o *Org) BulkCalls() []BulkCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]BulkCall(nil), o.calls...)
}

// CallCount returns how many bulk calls named op arrived; empty op counts
// all of them.
func (o *Org) CallCount(op string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if op == "" {
		return len(o.calls)
	}
	n := 0
	for _, c := range o.calls {
		if c.Operation == op {
			n++
		}
	}
	return n
}

func (o *Org) table(entity string) *table {
	tbl, ok := o.tables[entity]
	if !ok {
		tbl = &table{recs: make(map[string]dataverse.WireRecord)}
		o.tables[entity] = tbl
	}
	return tbl
}

func (t *table) put(r dataverse.WireRecord) {
	if _, exists := t.recs[r.ID]; !exists {
		t.order = append(t.order, r.ID)
	}
	t.recs[r.ID] = r
}

func (t *table) delete(id string) {
	delete(t.recs, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

func (o *Org) serve(w http.ResponseWriter, r *http.Request) {
	const prefix = "/api/data/v9.2/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, prefix)

	o.mu.Lock()
	if o.hint > 0 {
		w.Header().Set(dataverse.ParallelismHintHeader, strconv.Itoa(o.hint))
	}
	o.mu.Unlock()

	switch {
	case path == "WhoAmI":
		writeJSON(w, map[string]string{"user_id": o.userID.String()})
	case path == "CreateMultiple" || path == "UpdateMultiple" || path == "UpsertMultiple" || path == "DeleteMultiple":
		o.serveBulk(w, r, path)
	case path == "RetrievePage":
		o.servePage(w, r)
	case path == "Associate":
		o.serveAssociate(w, r)
	case strings.HasPrefix(path, "associations/"):
		o.serveAssociations(w, strings.TrimPrefix(path, "associations/"))
	case strings.HasPrefix(path, "metadata/"):
		o.serveMetadata(w, strings.TrimPrefix(path, "metadata/"))
	case strings.HasPrefix(path, "record/"):
		o.serveExists(w, strings.TrimPrefix(path, "record/"))
	case strings.HasPrefix(path, "count/"):
		o.serveCount(w, strings.TrimPrefix(path, "count/"))
	default:
		http.NotFound(w, r)
	}
}

func (o *Org) serveBulk(w http.ResponseWriter, r *http.Request, op string) {
	var req struct {
		Entity  string                 `json:"entity"`
		Targets []dataverse.WireRecord `json:"targets"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFault(w, Fault{Status: http.StatusBadRequest, Message: "malformed bulk request: " + err.Error()})
		return
	}
	call := BulkCall{
		Operation: op,
		Entity:    req.Entity,
		Targets:   snapshotTargets(req.Targets),
		Header:    r.Header.Clone(),
		Tag:       r.URL.Query().Get("tag"),
	}

	o.mu.Lock()
	o.calls = append(o.calls, call)
	if f, ok := o.consumeStub(call); ok {
		o.mu.Unlock()
		writeFault(w, f)
		return
	}
	resp := o.applyBulk(op, req.Entity, req.Targets)
	o.mu.Unlock()
	writeJSON(w, resp)
}

// snapshotTargets deep-copies the records of one bulk request so the call
// log keeps them as received; applyBulk stores the request's own records,
// whose maps later updates to the same ids merge into.
func snapshotTargets(targets []dataverse.WireRecord) []dataverse.WireRecord {
	out := make([]dataverse.WireRecord, len(targets))
	for i, t := range targets {
		t.Values = maps.Clone(t.Values)
		t.Refs = maps.Clone(t.Refs)
		out[i] = t
	}
	return out
}

// consumeStub finds the first live stub matching call. Callers hold o.mu.
func (o *Org) consumeStub(call BulkCall) (Fault, bool) {
	for i := range o.stubs {
		s := &o.stubs[i]
		if s.times <= 0 {
			continue
		}
		if s.match != nil && !s.match(call) {
			continue
		}
		s.times--
		return s.fault, true
	}
	return Fault{}, false
}

// applyBulk mutates the entity table. Callers hold o.mu.
func (o *Org) applyBulk(op, entity string, targets []dataverse.WireRecord) dataverse.BulkResponse {
	tbl := o.table(entity)
	resp := dataverse.BulkResponse{IDs: make([]uuid.UUID, len(targets))}
	for i, tgt := range targets {
		id := tgt.ID
		if id == "" || id == uuid.Nil.String() {
			id = uuid.New().String()
			tgt.ID = id
		}
		_, exists := tbl.recs[id]
		switch op {
		case "CreateMultiple":
			if exists {
				resp.Errors = append(resp.Errors, dataverse.ItemError{
					Index: i, Code: CodeDuplicate,
					Message: "a record with these values already exists",
				})
				continue
			}
			tbl.put(tgt)
		case "UpdateMultiple":
			if !exists {
				resp.Errors = append(resp.Errors, dataverse.ItemError{
					Index: i, Code: CodeMissing,
					Message: entity + " with id " + id + " does not exist",
				})
				continue
			}
			merged := tbl.recs[id]
			if merged.Values == nil {
				merged.Values = make(map[string]string)
			}
			for k, v := range tgt.Values {
				merged.Values[k] = v
			}
			for k, v := range tgt.Refs {
				if merged.Refs == nil {
					merged.Refs = make(map[string]string)
				}
				merged.Refs[k] = v
			}
			tbl.recs[id] = merged
		case "UpsertMultiple":
			if exists {
				merged := tbl.recs[id]
				if merged.Values == nil {
					merged.Values = make(map[string]string)
				}
				for k, v := range tgt.Values {
					merged.Values[k] = v
				}
				for k, v := range tgt.Refs {
					if merged.Refs == nil {
						merged.Refs = make(map[string]string)
					}
					merged.Refs[k] = v
				}
				tbl.recs[id] = merged
			} else {
				tbl.put(tgt)
			}
		case "DeleteMultiple":
			if !exists {
				resp.Errors = append(resp.Errors, dataverse.ItemError{
					Index: i, Code: CodeMissing,
					Message: entity + " with id " + id + " does not exist",
				})
				continue
			}
			tbl.delete(id)
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			resp.Errors = append(resp.Errors, dataverse.ItemError{
				Index: i, Code: CodeMissing, Message: "malformed id " + id,
			})
			continue
		}
		resp.IDs[i] = parsed
	}
	return resp
}

func (o *Org) servePage(w http.ResponseWriter, r *http.Request) {
	var q dataverse.PageQuery
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeFault(w, Fault{Status: http.StatusBadRequest, Message: "malformed page query: " + err.Error()})
		return
	}
	size := q.PageSize
	if size <= 0 {
		size = 5000
	}
	start := 0
	if q.PagingCookie != "" {
		n, err := strconv.Atoi(q.PagingCookie)
		if err != nil {
			writeFault(w, Fault{Status: http.StatusBadRequest, Message: "bad paging cookie " + q.PagingCookie})
			return
		}
		start = n
	}

	o.mu.Lock()
	if f, ok := o.consumePageStub(q.Entity); ok {
		o.mu.Unlock()
		writeFault(w, f)
		return
	}
	tbl := o.table(q.Entity)
	ids := make([]string, 0, len(tbl.recs))
	for id := range tbl.recs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	end := start + size
	if end > len(ids) {
		end = len(ids)
	}
	page := dataverse.Page{More: end < len(ids)}
	for _, id := range ids[start:end] {
		page.Records = append(page.Records, project(tbl.recs[id], q.Fields))
	}
	o.mu.Unlock()

	if page.More {
		page.PagingCookie = strconv.Itoa(end)
	}
	writeJSON(w, page)
}

// consumePageStub finds the first live page stub matching entity. Callers
// hold o.mu.
func (o *Org) consumePageStub(entity string) (Fault, bool) {
	for i := range o.pageStubs {
		s := &o.pageStubs[i]
		if s.times <= 0 {
			continue
		}
		if s.entity != "" && s.entity != entity {
			continue
		}
		s.times--
		return s.fault, true
	}
	return Fault{}, false
}

// project narrows a record to the requested fields; nil keeps everything.
func project(r dataverse.WireRecord, fields []string) dataverse.WireRecord {
	if len(fields) == 0 {
		return r
	}
	out := dataverse.WireRecord{ID: r.ID}
	for _, f := range fields {
		if v, ok := r.Values[f]; ok {
			if out.Values == nil {
				out.Values = make(map[string]string)
			}
			out.Values[f] = v
		}
		if ref, ok := r.Refs[f]; ok {
			if out.Refs == nil {
				out.Refs = make(map[string]string)
			}
			out.Refs[f] = ref
		}
	}
	return out
}

func (o *Org) serveAssociate(w http.ResponseWriter, r *http.Request) {
	var req dataverse.AssociateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFault(w, Fault{Status: http.StatusBadRequest, Message: "malformed associate request: " + err.Error()})
		return
	}

	o.mu.Lock()
	resp := dataverse.AssociateResponse{}
	ownerExists := false
	if owner, ok := o.tables[req.Entity]; ok {
		_, ownerExists = owner.recs[req.ID.String()]
	}
	if !ownerExists {
		o.mu.Unlock()
		writeFault(w, Fault{Status: http.StatusNotFound, Code: CodeMissing,
			Message: req.Entity + " with id " + req.ID.String() + " does not exist"})
		return
	}
	related := o.table(req.RelatedEntity)
	byID := o.links[req.Relationship]
	if byID == nil {
		byID = make(map[string]map[string]bool)
		o.links[req.Relationship] = byID
	}
	set := byID[req.ID.String()]
	if set == nil {
		set = make(map[string]bool)
		byID[req.ID.String()] = set
	}
	for i, rid := range req.RelatedIDs {
		if _, ok := related.recs[rid.String()]; !ok {
			resp.Errors = append(resp.Errors, dataverse.ItemError{
				Index: i, Code: CodeMissing,
				Message: req.RelatedEntity + " with id " + rid.String() + " does not exist",
			})
			continue
		}
		set[rid.String()] = true
		resp.Associated++
	}
	o.mu.Unlock()
	writeJSON(w, resp)
}

func (o *Org) serveAssociations(w http.ResponseWriter, relationship string) {
	o.mu.Lock()
	byID := o.links[relationship]
	ownerIDs := make([]string, 0, len(byID))
	for id := range byID {
		ownerIDs = append(ownerIDs, id)
	}
	sort.Strings(ownerIDs)

	rows := make([]dataverse.AssociationRow, 0, len(ownerIDs))
	for _, id := range ownerIDs {
		row := dataverse.AssociationRow{ID: uuid.MustParse(id)}
		related := make([]string, 0, len(byID[id]))
		for rid := range byID[id] {
			related = append(related, rid)
		}
		sort.Strings(related)
		for _, rid := range related {
			row.RelatedIDs = append(row.RelatedIDs, uuid.MustParse(rid))
		}
		rows = append(rows, row)
	}
	o.mu.Unlock()
	writeJSON(w, map[string]any{"rows": rows})
}

func (o *Org) serveMetadata(w http.ResponseWriter, entity string) {
	o.mu.Lock()
	md, ok := o.metadata[entity]
	o.mu.Unlock()
	if !ok {
		writeFault(w, Fault{Status: http.StatusNotFound, Code: CodeMissing,
			Message: "entity " + entity + " is not defined"})
		return
	}
	writeJSON(w, md)
}

func (o *Org) serveExists(w http.ResponseWriter, rest string) {
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		writeFault(w, Fault{Status: http.StatusBadRequest, Message: "record path needs entity and id"})
		return
	}
	o.mu.Lock()
	tbl, ok := o.tables[parts[0]]
	var found bool
	if ok {
		_, found = tbl.recs[parts[1]]
	}
	o.mu.Unlock()
	if !found {
		writeFault(w, Fault{Status: http.StatusNotFound, Code: CodeMissing,
			Message: parts[0] + " with id " + parts[1] + " does not exist"})
		return
	}
	writeJSON(w, map[string]string{"id": parts[1]})
}

func (o *Org) serveCount(w http.ResponseWriter, entity string) {
	o.mu.Lock()
	n := 0
	if tbl, ok := o.tables[entity]; ok {
		n = len(tbl.recs)
	}
	o.mu.Unlock()
	writeJSON(w, map[string]int{"count": n})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeFault(w http.ResponseWriter, f Fault) {
	if f.RetryAfter != "" {
		w.Header().Set("Retry-After", f.RetryAfter)
	}
	w.Header().Set("Content-Type", "application/json")
	if f.Status == 0 {
		f.Status = http.StatusInternalServerError
	}
	w.WriteHeader(f.Status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": f.Code, "message": f.Message},
	})
}
