package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go"
	"github.com/dmitrijs2005/shotkeeper/internal/common"
	"github.com/dmitrijs2005/shotkeeper/internal/models"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	usersCollection     = "users"
	processedCollection = "processedMutations"
	// Firestore limits "in" filters to 30 values.
	inFilterLimit = 30
)

var collections = map[models.EntityType]string{
	models.EntityProject:   "projects",
	models.EntityChecklist: "checklists",
	models.EntityShotItem:  "shotItems",
}

// Firestore applies mutations directly against a Firestore database, one
// transaction per mutation. Documents hold the entity JSON fields as is.
type Firestore struct {
	client *firestore.Client
	now    func() time.Time
}

// NewFirestore connects through a Firebase app. An empty credentialsPath
// uses application default credentials (or FIRESTORE_EMULATOR_HOST).
func NewFirestore(ctx context.Context, projectID, credentialsPath string) (*Firestore, error) {
	var opts []option.ClientOption
	if credentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsPath))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firestore client: %w", err)
	}
	return &Firestore{client: client, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (f *Firestore) Close() error {
	return f.client.Close()
}

func (f *Firestore) Ping(ctx context.Context) error {
	_, err := f.client.Collection(usersCollection).Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return mapFirestoreError(err)
	}
	return nil
}

func (f *Firestore) doc(key models.EntityKey) *firestore.DocumentRef {
	return f.client.Collection(collections[key.Type]).Doc(key.ID)
}

func (f *Firestore) Submit(ctx context.Context, m models.Mutation) (json.RawMessage, error) {
	if _, ok := collections[m.Type]; !ok {
		return nil, &RejectedError{Reason: fmt.Sprintf("unknown entity type %q", m.Type)}
	}

	var result json.RawMessage
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		result = nil

		ledger := f.client.Collection(processedCollection).Doc(m.ItemID)
		if snap, err := tx.Get(ledger); err == nil {
			rec, _ := snap.Data()["record"].(string)
			if rec != "" {
				result = json.RawMessage(rec)
			}
			return nil
		} else if status.Code(err) != codes.NotFound {
			return err
		}

		rec, err := f.apply(ctx, tx, m)
		if err != nil {
			return err
		}
		result = rec
		return tx.Set(ledger, map[string]any{"record": string(rec), "appliedAt": f.now()})
	})
	if err != nil {
		return nil, mapFirestoreError(err)
	}
	return result, nil
}

// apply performs every read before the first write, as transactions require.
func (f *Firestore) apply(ctx context.Context, tx *firestore.Transaction, m models.Mutation) (json.RawMessage, error) {
	key := models.EntityKey{Type: m.Type, ID: m.EntityID}
	ref := f.doc(key)

	cur, err := getRecord(tx, ref)
	if err != nil {
		return nil, err
	}

	switch m.Action {
	case models.ActionCreate:
		if cur != nil {
			return cur, nil
		}
		if problems := models.ValidateCreate(m.Type, m.Data); len(problems) > 0 {
			return nil, &RejectedError{Reason: "invalid record", Err: common.NewValidationError(string(m.Type), problems)}
		}
		if parent, ok := models.ParentOf(m.Type, m.Data); ok {
			p, err := getRecord(tx, f.doc(parent))
			if err != nil {
				return nil, err
			}
			if p == nil {
				return nil, &RejectedError{Reason: "unknown parent " + parent.String(), Err: common.ErrNotFound}
			}
		}
		rec, err := models.Stamp(m.Data, f.now(), true)
		if err != nil {
			return nil, &RejectedError{Reason: "malformed record", Err: err}
		}
		return rec, setRecord(tx, ref, rec)

	case models.ActionUpdate:
		if cur == nil {
			return nil, &RejectedError{Reason: "no such " + key.String(), Err: common.ErrNotFound}
		}
		patched, err := models.ApplyFields(cur, m.Data, m.ChangedFields)
		if err != nil {
			return nil, &RejectedError{Reason: "malformed record", Err: err}
		}
		if problems := models.ValidateRecord(m.Type, patched); len(problems) > 0 {
			return nil, &RejectedError{Reason: "invalid record", Err: common.NewValidationError(string(m.Type), problems)}
		}
		if stale, err := models.IsStale(cur, m.BaseUpdatedAt); err != nil {
			return nil, &RejectedError{Reason: "unreadable current record", Err: err}
		} else if stale {
			return nil, &ConflictError{Current: cur}
		}
		var created struct {
			CreatedAt time.Time `json:"createdAt"`
		}
		_ = json.Unmarshal(cur, &created)
		data, err := models.WithField(patched, "createdAt", created.CreatedAt)
		if err != nil {
			return nil, &RejectedError{Reason: "malformed record", Err: err}
		}
		rec, err := models.Stamp(data, f.now(), false)
		if err != nil {
			return nil, &RejectedError{Reason: "malformed record", Err: err}
		}
		return rec, setRecord(tx, ref, rec)

	case models.ActionDelete:
		if cur == nil {
			return nil, nil
		}
		if stale, err := models.IsStale(cur, m.BaseUpdatedAt); err != nil {
			return nil, &RejectedError{Reason: "unreadable current record", Err: err}
		} else if stale {
			return nil, &ConflictError{Current: cur}
		}
		refs, err := f.descendants(tx, key)
		if err != nil {
			return nil, err
		}
		for _, r := range append(refs, ref) {
			if err := tx.Delete(r); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}
	return nil, &RejectedError{Reason: fmt.Sprintf("unknown action %q", m.Action)}
}

// descendants lists the documents under a project or checklist.
func (f *Firestore) descendants(tx *firestore.Transaction, key models.EntityKey) ([]*firestore.DocumentRef, error) {
	var refs []*firestore.DocumentRef
	checklistIDs := []string{}

	switch key.Type {
	case models.EntityProject:
		q := f.client.Collection(collections[models.EntityChecklist]).Where("projectId", "==", key.ID)
		docs, err := tx.Documents(q).GetAll()
		if err != nil {
			return nil, err
		}
		for _, d := range docs {
			refs = append(refs, d.Ref)
			checklistIDs = append(checklistIDs, d.Ref.ID)
		}
	case models.EntityChecklist:
		checklistIDs = append(checklistIDs, key.ID)
	}

	for _, chunk := range chunks(checklistIDs, inFilterLimit) {
		q := f.client.Collection(collections[models.EntityShotItem]).Where("checklistId", "in", chunk)
		docs, err := tx.Documents(q).GetAll()
		if err != nil {
			return nil, err
		}
		for _, d := range docs {
			refs = append(refs, d.Ref)
		}
	}
	return refs, nil
}

func getRecord(tx *firestore.Transaction, ref *firestore.DocumentRef) (json.RawMessage, error) {
	snap, err := tx.Get(ref)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return docToRaw(snap.Data())
}

func setRecord(tx *firestore.Transaction, ref *firestore.DocumentRef, rec json.RawMessage) error {
	doc, err := rawToDoc(rec)
	if err != nil {
		return &RejectedError{Reason: "malformed record", Err: err}
	}
	return tx.Set(ref, doc)
}

func (f *Firestore) Fetch(ctx context.Context, userID string) (*models.Dataset, error) {
	ds := &models.Dataset{}

	if err := readAll(ctx, f.client.Collection(usersCollection).Documents(ctx), func(raw json.RawMessage) error {
		var u models.User
		if err := json.Unmarshal(raw, &u); err != nil {
			return err
		}
		ds.Users = append(ds.Users, u)
		return nil
	}); err != nil {
		return nil, mapFirestoreError(err)
	}

	var user models.User
	found := false
	for _, u := range ds.Users {
		if u.ID == userID {
			user, found = u, true
		}
	}
	if !found {
		return nil, &RejectedError{Reason: "unknown user " + userID, Err: common.ErrNotFound}
	}

	snap := models.NewOfflineStore()
	load := func(t models.EntityType, it *firestore.DocumentIterator) error {
		return readAll(ctx, it, func(raw json.RawMessage) error {
			var probe struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(raw, &probe); err != nil {
				return err
			}
			return snap.Apply(t, models.ActionCreate, probe.ID, raw)
		})
	}

	if err := load(models.EntityProject, f.client.Collection(collections[models.EntityProject]).Documents(ctx)); err != nil {
		return nil, mapFirestoreError(err)
	}
	var projectIDs []string
	for id, p := range snap.Projects {
		if user.IsAdmin() || p.IsAssigned(user.ID) {
			projectIDs = append(projectIDs, id)
		}
	}
	for _, chunk := range chunks(projectIDs, inFilterLimit) {
		q := f.client.Collection(collections[models.EntityChecklist]).Where("projectId", "in", chunk)
		if err := load(models.EntityChecklist, q.Documents(ctx)); err != nil {
			return nil, mapFirestoreError(err)
		}
	}
	checklistIDs := make([]string, 0, len(snap.Checklists))
	for id := range snap.Checklists {
		checklistIDs = append(checklistIDs, id)
	}
	for _, chunk := range chunks(checklistIDs, inFilterLimit) {
		q := f.client.Collection(collections[models.EntityShotItem]).Where("checklistId", "in", chunk)
		if err := load(models.EntityShotItem, q.Documents(ctx)); err != nil {
			return nil, mapFirestoreError(err)
		}
	}

	return models.FilterDataset(ds, snap, user), nil
}

func readAll(ctx context.Context, it *firestore.DocumentIterator, fn func(raw json.RawMessage) error) error {
	defer it.Stop()
	for {
		doc, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := docToRaw(doc.Data())
		if err != nil {
			return err
		}
		if err := fn(raw); err != nil {
			return fmt.Errorf("decode %s: %w", doc.Ref.Path, err)
		}
	}
}

// docToRaw and rawToDoc convert between Firestore document fields and
// entity JSON. Timestamps are kept as RFC 3339 strings, so records compare
// the same way on every backend.
func docToRaw(doc map[string]any) (json.RawMessage, error) {
	for k, v := range doc {
		if t, ok := v.(time.Time); ok {
			doc[k] = t.UTC().Format(time.RFC3339Nano)
		}
	}
	return json.Marshal(doc)
}

func rawToDoc(raw json.RawMessage) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func chunks(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > 0 {
		n := min(size, len(ids))
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}

func mapFirestoreError(err error) error {
	var conflict *ConflictError
	var rejected *RejectedError
	if errors.As(err, &conflict) || errors.As(err, &rejected) {
		return err
	}
	switch status.Code(err) {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return &RejectedError{Reason: err.Error()}
	case codes.PermissionDenied:
		return &RejectedError{Reason: err.Error(), Err: common.ErrForbidden}
	default:
		return unavailable(err)
	}
}
