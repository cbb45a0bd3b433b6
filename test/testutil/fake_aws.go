package testutil

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// attribute is one DynamoDB JSON attribute value, e.g. {"S": "x"}.
type attribute map[string]interface{}

type item map[string]attribute

// FakeAWS speaks enough of the DynamoDB JSON protocol and path-style S3 for
// the cloud target: DescribeTable, Query by user, TransactWriteItems with the
// updated_at condition, PutObject and DeleteObject.
type FakeAWS struct {
	*httptest.Server

	table  string
	bucket string

	mu      sync.Mutex
	items   map[string]item
	objects map[string][]byte
	calls   map[string]int
	failOps map[string]int
}

// NewFakeAWS starts a server that is closed when the test ends.
func NewFakeAWS(t *testing.T, table, bucket string) *FakeAWS {
	f := &FakeAWS{
		table:   table,
		bucket:  bucket,
		items:   make(map[string]item),
		objects: make(map[string][]byte),
		calls:   make(map[string]int),
		failOps: make(map[string]int),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.Close)
	return f
}

// Calls returns how often an operation was invoked.
func (f *FakeAWS) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// FailNext makes the next n calls of op answer 500.
func (f *FakeAWS) FailNext(op string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOps[op] = n
}

// Document returns the stored attributes of one expense as plain strings.
func (f *FakeAWS) Document(userID, expenseID string) (map[string]string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	it, ok := f.items[userID+"/"+expenseID]
	if !ok {
		return nil, false
	}
	out := make(map[string]string, len(it))
	for name, av := range it {
		for _, v := range av {
			out[name] = fmt.Sprint(v)
		}
	}
	return out, true
}

// DocumentIDs lists the expense IDs stored for a user.
func (f *FakeAWS) DocumentIDs(userID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var ids []string
	for key := range f.items {
		if uid, id, _ := strings.Cut(key, "/"); uid == userID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Touch sets updated_at of a stored document, simulating an edit made
// elsewhere.
func (f *FakeAWS) Touch(userID, expenseID string, updatedAtMillis int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if it, ok := f.items[userID+"/"+expenseID]; ok {
		it["updated_at"] = attribute{"N": strconv.FormatInt(updatedAtMillis, 10)}
	}
}

// Object returns a stored S3 object.
func (f *FakeAWS) Object(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	return data, ok
}

// ObjectKeys lists stored S3 keys.
func (f *FakeAWS) ObjectKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (f *FakeAWS) handle(w http.ResponseWriter, r *http.Request) {
	if target := r.Header.Get("X-Amz-Target"); target != "" {
		f.handleDynamo(w, r, strings.TrimPrefix(target, "DynamoDB_20120810."))
		return
	}
	f.handleS3(w, r)
}

func (f *FakeAWS) shouldFail(op string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[op]++
	if f.failOps[op] > 0 {
		f.failOps[op]--
		return true
	}
	return false
}

func (f *FakeAWS) handleDynamo(w http.ResponseWriter, r *http.Request, op string) {
	if f.shouldFail(op) {
		dynamoError(w, http.StatusInternalServerError, "InternalServerError", "injected failure", nil)
		return
	}

	var req map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		dynamoError(w, http.StatusBadRequest, "SerializationException", err.Error(), nil)
		return
	}

	var table string
	_ = json.Unmarshal(req["TableName"], &table)

	switch op {
	case "DescribeTable":
		if table != f.table {
			dynamoError(w, http.StatusBadRequest, "ResourceNotFoundException", "table not found", nil)
			return
		}
		dynamoReply(w, map[string]interface{}{
			"Table": map[string]interface{}{"TableName": f.table, "TableStatus": "ACTIVE"},
		})

	case "Query":
		var values map[string]attribute
		_ = json.Unmarshal(req["ExpressionAttributeValues"], &values)
		uid, _ := values[":uid"]["S"].(string)

		f.mu.Lock()
		items := []item{}
		for key, it := range f.items {
			if strings.HasPrefix(key, uid+"/") {
				items = append(items, it)
			}
		}
		f.mu.Unlock()

		dynamoReply(w, map[string]interface{}{"Items": items, "Count": len(items)})

	case "TransactWriteItems":
		var writes []struct {
			Put *struct {
				Item                      item                 `json:"Item"`
				ExpressionAttributeValues map[string]attribute `json:"ExpressionAttributeValues"`
			} `json:"Put"`
			Delete *struct {
				Key item `json:"Key"`
			} `json:"Delete"`
		}
		if err := json.Unmarshal(req["TransactItems"], &writes); err != nil {
			dynamoError(w, http.StatusBadRequest, "SerializationException", err.Error(), nil)
			return
		}

		f.mu.Lock()
		defer f.mu.Unlock()

		reasons := make([]map[string]string, len(writes))
		failed := false
		for i, wr := range writes {
			reasons[i] = map[string]string{"Code": "None"}
			if wr.Put == nil {
				continue
			}
			existing, ok := f.items[itemKey(wr.Put.Item)]
			if ok && number(existing["updated_at"]) > number(wr.Put.ExpressionAttributeValues[":ts"]) {
				reasons[i] = map[string]string{"Code": "ConditionalCheckFailed", "Message": "The conditional request failed"}
				failed = true
			}
		}
		if failed {
			dynamoError(w, http.StatusBadRequest, "TransactionCanceledException", "Transaction cancelled", reasons)
			return
		}

		for _, wr := range writes {
			switch {
			case wr.Put != nil:
				f.items[itemKey(wr.Put.Item)] = wr.Put.Item
			case wr.Delete != nil:
				delete(f.items, itemKey(wr.Delete.Key))
			}
		}
		dynamoReply(w, map[string]interface{}{})

	default:
		dynamoError(w, http.StatusBadRequest, "UnknownOperationException", op, nil)
	}
}

func (f *FakeAWS) handleS3(w http.ResponseWriter, r *http.Request) {
	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if bucket != f.bucket || key == "" {
		http.Error(w, "NoSuchBucket", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodPut:
		if f.shouldFail("PutObject") {
			http.Error(w, "InternalError", http.StatusInternalServerError)
			return
		}
		data, err := readS3Body(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.objects[key] = data
		f.mu.Unlock()
		w.Header().Set("ETag", fmt.Sprintf("%q", strconv.Itoa(len(data))))
		w.WriteHeader(http.StatusOK)

	case http.MethodDelete:
		if f.shouldFail("DeleteObject") {
			http.Error(w, "InternalError", http.StatusInternalServerError)
			return
		}
		f.mu.Lock()
		delete(f.objects, key)
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "MethodNotAllowed", http.StatusMethodNotAllowed)
	}
}

// readS3Body strips aws-chunked framing when the SDK streams a trailing
// checksum.
func readS3Body(r *http.Request) ([]byte, error) {
	if !strings.Contains(r.Header.Get("Content-Encoding"), "aws-chunked") {
		return io.ReadAll(r.Body)
	}

	var out bytes.Buffer
	br := bufio.NewReader(r.Body)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("chunk header: %w", err)
		}
		sizeHex, _, _ := strings.Cut(strings.TrimSpace(line), ";")
		size, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("chunk size %q: %w", sizeHex, err)
		}
		if size == 0 {
			return out.Bytes(), nil
		}
		if _, err := io.CopyN(&out, br, size); err != nil {
			return nil, fmt.Errorf("chunk body: %w", err)
		}
		if _, err := br.ReadString('\n'); err != nil {
			return nil, fmt.Errorf("chunk trailer: %w", err)
		}
	}
}

func itemKey(it item) string {
	uid, _ := it["user_id"]["S"].(string)
	id, _ := it["expense_id"]["S"].(string)
	return uid + "/" + id
}

func number(av attribute) int64 {
	s, _ := av["N"].(string)
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func dynamoReply(w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/x-amz-json-1.0")
	_ = json.NewEncoder(w).Encode(body)
}

func dynamoError(w http.ResponseWriter, status int, code, message string, reasons []map[string]string) {
	body := map[string]interface{}{
		"__type":  "com.amazonaws.dynamodb.v20120810#" + code,
		"message": message,
	}
	if reasons != nil {
		body["CancellationReasons"] = reasons
	}
	w.Header().Set("Content-Type", "application/x-amz-json-1.0")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
