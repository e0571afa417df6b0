// Package tablesdbtest runs an in-memory stand-in for the TablesDB REST API, enough of it
// for the SDK calls the counter store makes.
package tablesdbtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"

	sdk "github.com/appwrite/sdk-for-go/tablesdb"
	"github.com/go-chi/chi/v5"
	"github.com/serroba/abuse/internal/tablesdb"
)

// APIKey is the key the server accepts.
const APIKey = "test-key"

type row struct {
	ID   string
	Data map[string]any
}

type column struct {
	Key    string `json:"key"`
	Type   string `json:"type"`
	Status string `json:"status"`
}

type index struct {
	Key     string   `json:"key"`
	Type    string   `json:"type"`
	Status  string   `json:"status"`
	Columns []string `json:"columns"`
}

type rowQuery struct {
	Method    string `json:"method"`
	Attribute string `json:"attribute"`
	Values    []any  `json:"values"`
}

type table struct {
	columns []column
	indexes []index
	rows    []*row
}

// Server is a TablesDB fake. Create it with NewServer.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	databases map[string]bool
	tables    map[string]*table
	calls     map[string]int

	deleteBatch int
	pendingFor  int
	hideRows    int
}

// NewServer starts a server that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		databases:   map[string]bool{},
		tables:      map[string]*table{},
		calls:       map[string]int{},
		deleteBatch: 100,
	}

	r := chi.NewRouter()
	r.Use(s.auth)
	r.Post("/tablesdb", s.createDatabase)
	r.Route("/tablesdb/{db}/tables", func(r chi.Router) {
		r.Post("/", s.createTable)
		r.Route("/{table}", func(r chi.Router) {
			r.Get("/", s.getTable)
			r.Post("/columns/{type}", s.createColumn)
			r.Get("/columns", s.listColumns)
			r.Post("/indexes", s.createIndex)
			r.Get("/indexes", s.listIndexes)
			r.Get("/rows", s.listRows)
			r.Post("/rows", s.createRow)
			r.Delete("/rows", s.deleteRows)
			r.Patch("/rows/{row}/{column}/increment", s.increment)
		})
	})

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)

	return s
}

// TablesDB returns an SDK service authenticated against the server.
func (s *Server) TablesDB() *sdk.TablesDB {
	return s.TablesDBWithKey(APIKey)
}

// TablesDBWithKey returns an SDK service sending key.
func (s *Server) TablesDBWithKey(key string) *sdk.TablesDB {
	db, _ := tablesdb.New(tablesdb.Config{
		Endpoint:   s.URL,
		Project:    "test",
		APIKey:     key,
		HTTPClient: s.Client(),
	})

	return db
}

// SetDeleteBatch bounds how many rows one bulk delete removes.
func (s *Server) SetDeleteBatch(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteBatch = n
}

// SetPending makes new columns and indexes report as processing for the next n list calls.
func (s *Server) SetPending(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pendingFor = n
}

// HideRows makes the next n row listings come back empty.
func (s *Server) HideRows(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hideRows = n
}

// Calls returns how often a route was hit, keyed by "METHOD kind" such as "POST rows".
func (s *Server) Calls(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls[key]
}

// Rows returns the data of every row in a table.
func (s *Server) Rows(db, tbl string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[db+"/"+tbl]
	if !ok {
		return nil
	}

	out := make([]map[string]any, 0, len(t.rows))
	for _, r := range t.rows {
		out = append(out, r.Data)
	}

	return out
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Appwrite-Key") != APIKey {
			writeError(w, http.StatusUnauthorized, "user_unauthorized", "invalid api key")

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) createDatabase(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DatabaseID string `json:"databaseId"`
	}
	if !decode(w, r, &body) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls["POST database"]++

	if s.databases[body.DatabaseID] {
		writeError(w, http.StatusConflict, tablesdb.TypeDatabaseExists, "database exists")

		return
	}

	s.databases[body.DatabaseID] = true
	writeJSON(w, http.StatusCreated, map[string]any{"$id": body.DatabaseID})
}

func (s *Server) createTable(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TableID string `json:"tableId"`
	}
	if !decode(w, r, &body) {
		return
	}

	db := chi.URLParam(r, "db")

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls["POST table"]++

	if !s.databases[db] {
		writeError(w, http.StatusNotFound, "database_not_found", "database not found")

		return
	}

	key := db + "/" + body.TableID
	if _, ok := s.tables[key]; ok {
		writeError(w, http.StatusConflict, tablesdb.TypeTableExists, "table exists")

		return
	}

	s.tables[key] = &table{}
	writeJSON(w, http.StatusCreated, map[string]any{"$id": body.TableID})
}

func (s *Server) getTable(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.table(r); !ok {
		writeError(w, http.StatusNotFound, "table_not_found", "table not found")

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"$id": chi.URLParam(r, "table")})
}

func (s *Server) createColumn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key string `json:"key"`
	}
	if !decode(w, r, &body) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls["POST column"]++

	t, ok := s.table(r)
	if !ok {
		writeError(w, http.StatusNotFound, "table_not_found", "table not found")

		return
	}

	if slices.ContainsFunc(t.columns, func(c column) bool { return c.Key == body.Key }) {
		writeError(w, http.StatusConflict, tablesdb.TypeColumnExists, "column exists")

		return
	}

	t.columns = append(t.columns, column{Key: body.Key, Type: chi.URLParam(r, "type"), Status: "processing"})
	writeJSON(w, http.StatusAccepted, map[string]any{"key": body.Key})
}

func (s *Server) listColumns(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls["GET columns"]++

	t, ok := s.table(r)
	if !ok {
		writeError(w, http.StatusNotFound, "table_not_found", "table not found")

		return
	}

	ready := s.poll()

	cols := []column{}

	for i := range t.columns {
		if ready {
			t.columns[i].Status = tablesdb.StatusAvailable
		}

		if t.columns[i].Status != tablesdb.StatusAvailable {
			cols = append(cols, t.columns[i])
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"total": len(cols), "columns": cols})
}

func (s *Server) createIndex(w http.ResponseWriter, r *http.Request) {
	var body index
	if !decode(w, r, &body) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls["POST index"]++

	t, ok := s.table(r)
	if !ok {
		writeError(w, http.StatusNotFound, "table_not_found", "table not found")

		return
	}

	if slices.ContainsFunc(t.indexes, func(i index) bool { return i.Key == body.Key }) {
		writeError(w, http.StatusConflict, tablesdb.TypeIndexExists, "index exists")

		return
	}

	body.Status = "processing"
	t.indexes = append(t.indexes, body)
	writeJSON(w, http.StatusAccepted, map[string]any{"key": body.Key})
}

func (s *Server) listIndexes(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls["GET indexes"]++

	t, ok := s.table(r)
	if !ok {
		writeError(w, http.StatusNotFound, "table_not_found", "table not found")

		return
	}

	ready := s.poll()

	idx := []index{}

	for i := range t.indexes {
		if ready {
			t.indexes[i].Status = tablesdb.StatusAvailable
		}

		if t.indexes[i].Status != tablesdb.StatusAvailable {
			idx = append(idx, t.indexes[i])
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"total": len(idx), "indexes": idx})
}

func (s *Server) listRows(w http.ResponseWriter, r *http.Request) {
	queries, err := parseQueries(r.URL.Query()["queries[]"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "general_query_invalid", err.Error())

		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls["GET rows"]++

	t, ok := s.table(r)
	if !ok {
		writeError(w, http.StatusNotFound, "table_not_found", "table not found")

		return
	}

	out := []map[string]any{}

	if s.hideRows > 0 {
		s.hideRows--
		writeJSON(w, http.StatusOK, map[string]any{"total": 0, "rows": out})

		return
	}

	for _, rw := range selectRows(t.rows, queries) {
		item := map[string]any{"$id": rw.ID}
		for k, v := range rw.Data {
			item[k] = v
		}

		out = append(out, item)
	}

	writeJSON(w, http.StatusOK, map[string]any{"total": len(out), "rows": out})
}

func (s *Server) createRow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RowID string         `json:"rowId"`
		Data  map[string]any `json:"data"`
	}
	if !decode(w, r, &body) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls["POST rows"]++

	t, ok := s.table(r)
	if !ok {
		writeError(w, http.StatusNotFound, "table_not_found", "table not found")

		return
	}

	for _, idx := range t.indexes {
		if idx.Type != tablesdb.IndexUnique {
			continue
		}

		for _, existing := range t.rows {
			if sameValues(existing.Data, body.Data, idx.Columns) {
				writeError(w, http.StatusConflict, tablesdb.TypeRowExists, "row exists")

				return
			}
		}
	}

	t.rows = append(t.rows, &row{ID: body.RowID, Data: body.Data})
	writeJSON(w, http.StatusCreated, map[string]any{"$id": body.RowID})
}

func (s *Server) increment(w http.ResponseWriter, r *http.Request) {
	body := struct {
		Value float64 `json:"value"`
	}{Value: 1}
	if !decode(w, r, &body) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls["PATCH increment"]++

	t, ok := s.table(r)
	if !ok {
		writeError(w, http.StatusNotFound, "table_not_found", "table not found")

		return
	}

	id := chi.URLParam(r, "row")
	column := chi.URLParam(r, "column")

	for _, rw := range t.rows {
		if rw.ID == id {
			current, _ := rw.Data[column].(float64)
			rw.Data[column] = current + body.Value
			writeJSON(w, http.StatusOK, map[string]any{"$id": id, column: rw.Data[column]})

			return
		}
	}

	writeError(w, http.StatusNotFound, "row_not_found", "row not found")
}

func (s *Server) deleteRows(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Queries []string `json:"queries"`
	}
	if !decode(w, r, &body) {
		return
	}

	queries, err := parseQueries(body.Queries)
	if err != nil {
		writeError(w, http.StatusBadRequest, "general_query_invalid", err.Error())

		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls["DELETE rows"]++

	t, ok := s.table(r)
	if !ok {
		writeError(w, http.StatusNotFound, "table_not_found", "table not found")

		return
	}

	matched := selectRows(t.rows, queries)
	if len(matched) > s.deleteBatch {
		matched = matched[:s.deleteBatch]
	}

	t.rows = slices.DeleteFunc(t.rows, func(rw *row) bool { return slices.Contains(matched, rw) })
	writeJSON(w, http.StatusOK, map[string]any{"total": len(matched)})
}

// table must be called with s.mu held.
func (s *Server) table(r *http.Request) (*table, bool) {
	t, ok := s.tables[chi.URLParam(r, "db")+"/"+chi.URLParam(r, "table")]

	return t, ok
}

// poll must be called with s.mu held. It reports whether processing resources are ready.
func (s *Server) poll() bool {
	if s.pendingFor > 0 {
		s.pendingFor--

		return false
	}

	return true
}

func selectRows(rows []*row, queries []rowQuery) []*row {
	var out []*row

	for _, rw := range rows {
		if matches(rw, queries) {
			out = append(out, rw)
		}
	}

	var orders []rowQuery

	offset, limit := 0, len(out)

	for _, q := range queries {
		switch q.Method {
		case "orderDesc", "orderAsc":
			orders = append(orders, q)
		case "offset":
			offset = intValue(q)
		case "limit":
			limit = intValue(q)
		}
	}

	slices.SortStableFunc(out, func(a, b *row) int {
		for _, o := range orders {
			c := compare(a.Data[o.Attribute], b.Data[o.Attribute])
			if o.Method == "orderDesc" {
				c = -c
			}

			if c != 0 {
				return c
			}
		}

		return 0
	})

	if offset >= len(out) {
		return nil
	}

	return out[offset:min(offset+limit, len(out))]
}

func matches(rw *row, queries []rowQuery) bool {
	for _, q := range queries {
		v := rw.Data[q.Attribute]

		switch q.Method {
		case "equal":
			if !slices.ContainsFunc(q.Values, func(want any) bool { return compare(v, want) == 0 }) {
				return false
			}
		case "notEqual":
			if compare(v, q.Values[0]) == 0 {
				return false
			}
		case "lessThan":
			if compare(v, q.Values[0]) >= 0 {
				return false
			}
		}
	}

	return true
}

func compare(a, b any) int {
	af, aNum := a.(float64)
	bf, bNum := b.(float64)

	if aNum && bNum {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}

	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func sameValues(a, b map[string]any, columns []string) bool {
	for _, c := range columns {
		if compare(a[c], b[c]) != 0 {
			return false
		}
	}

	return true
}

func intValue(q rowQuery) int {
	if len(q.Values) == 0 {
		return 0
	}

	f, _ := q.Values[0].(float64)

	return int(f)
}

func parseQueries(raw []string) ([]rowQuery, error) {
	out := make([]rowQuery, 0, len(raw))

	for _, s := range raw {
		var q rowQuery
		if err := json.Unmarshal([]byte(s), &q); err != nil {
			return nil, err
		}

		out = append(out, q)
	}

	return out, nil
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "general_argument_invalid", err.Error())

		return false
	}

	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, typ, msg string) {
	writeJSON(w, status, map[string]any{"code": status, "type": typ, "message": msg})
}
