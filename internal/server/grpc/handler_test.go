package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/dmitrijs2005/shotkeeper/internal/client/backend"
	"github.com/dmitrijs2005/shotkeeper/internal/common"
	"github.com/dmitrijs2005/shotkeeper/internal/logging"
	"github.com/dmitrijs2005/shotkeeper/internal/models"
	"github.com/dmitrijs2005/shotkeeper/internal/server/auth"
	"github.com/dmitrijs2005/shotkeeper/internal/server/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

type fakeRecords struct {
	submitted []models.Mutation
	users     []string
	record    json.RawMessage
	dataset   *models.Dataset
	err       error
}

func (f *fakeRecords) Submit(_ context.Context, userID string, m models.Mutation) (json.RawMessage, error) {
	f.users = append(f.users, userID)
	f.submitted = append(f.submitted, m)
	return f.record, f.err
}

func (f *fakeRecords) Fetch(_ context.Context, userID string) (*models.Dataset, error) {
	f.users = append(f.users, userID)
	return f.dataset, f.err
}

const testSecret = "secret"

// dial starts the server on an in-memory listener and returns the client
// adapter the CLI uses, authenticated as userID ("" for no token).
func dial(t *testing.T, rs RecordService, userID string) *backend.GRPC {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv, err := NewGRPCServer("bufnet", logging.Discard(), rs, testSecret)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, lis)
	}()

	var token string
	if userID != "" {
		token, err = auth.GenerateToken(userID, []byte(testSecret), time.Hour)
		require.NoError(t, err)
	}

	c, err := backend.NewGRPC("passthrough:///bufnet", token,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = c.Close()
		cancel()
		<-done
	})
	return c
}

func createItem(t *testing.T) models.Mutation {
	t.Helper()
	data, err := json.Marshal(models.ShotItem{ID: "s1", ChecklistID: "c1", Title: "Rings"})
	require.NoError(t, err)
	return models.Mutation{ItemID: "i1", Type: models.EntityShotItem, Action: models.ActionCreate, EntityID: "s1", Data: data}
}

func TestPing_WithoutToken(t *testing.T) {
	c := dial(t, &fakeRecords{}, "")
	require.NoError(t, c.Ping(context.Background()))
}

func TestSubmit_RoundTrip(t *testing.T) {
	rs := &fakeRecords{record: json.RawMessage(`{"id":"s1","title":"Rings","updatedAt":"2026-06-20T15:00:00Z"}`)}
	c := dial(t, rs, "kim")

	rec, err := c.Submit(context.Background(), createItem(t))
	require.NoError(t, err)
	assert.JSONEq(t, string(rs.record), string(rec))

	require.Len(t, rs.submitted, 1)
	assert.Equal(t, "i1", rs.submitted[0].ItemID)
	assert.Equal(t, models.ActionCreate, rs.submitted[0].Action)
	assert.Equal(t, []string{"kim"}, rs.users, "the user comes from the token")
}

func TestSubmit_CarriesChangedFields(t *testing.T) {
	rs := &fakeRecords{record: json.RawMessage(`{"id":"s1"}`)}
	c := dial(t, rs, "kim")

	m := createItem(t)
	m.Action = models.ActionUpdate
	m.ChangedFields = []string{"completedBy", "isCompleted"}
	_, err := c.Submit(context.Background(), m)
	require.NoError(t, err)

	require.Len(t, rs.submitted, 1)
	assert.Equal(t, []string{"completedBy", "isCompleted"}, rs.submitted[0].ChangedFields)
}

func TestSubmit_DeleteHasNoRecord(t *testing.T) {
	c := dial(t, &fakeRecords{}, "kim")

	rec, err := c.Submit(context.Background(), models.Mutation{ItemID: "i2", Type: models.EntityShotItem, Action: models.ActionDelete, EntityID: "s1"})
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestSubmit_ErrorClasses(t *testing.T) {
	current := json.RawMessage(`{"id":"s1","title":"Theirs","updatedAt":"2026-06-20T15:00:00Z"}`)

	tests := []struct {
		name  string
		err   error
		class backend.Class
		is    error
	}{
		{name: "conflict", err: &services.ConflictError{Current: current}, class: backend.ClassConflict, is: common.ErrVersionConflict},
		{name: "validation", err: common.NewValidationError("shot-item", []string{"title is required"}), class: backend.ClassPermanent},
		{name: "forbidden", err: fmt.Errorf("%w: checklist c2", common.ErrForbidden), class: backend.ClassPermanent, is: common.ErrForbidden},
		{name: "not found", err: fmt.Errorf("parent: %w", common.ErrNotFound), class: backend.ClassPermanent, is: common.ErrNotFound},
		{name: "storage failure", err: errors.New("connection reset"), class: backend.ClassTransient, is: common.ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := dial(t, &fakeRecords{err: tt.err}, "kim")

			_, err := c.Submit(context.Background(), createItem(t))
			require.Error(t, err)
			assert.Equal(t, tt.class, backend.Classify(err))
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}

			var conflict *backend.ConflictError
			if errors.As(err, &conflict) {
				assert.JSONEq(t, string(current), string(conflict.Current))
			}
		})
	}
}

func TestSubmit_WithoutTokenIsTransient(t *testing.T) {
	rs := &fakeRecords{}
	c := dial(t, rs, "")

	_, err := c.Submit(context.Background(), createItem(t))
	assert.ErrorIs(t, err, common.ErrUnavailable)
	assert.Empty(t, rs.submitted)
}

func TestFetch_ReturnsDataset(t *testing.T) {
	rs := &fakeRecords{dataset: &models.Dataset{
		Users:    []models.User{{ID: "kim", Role: models.RoleShooter, IsActive: true}},
		Projects: []models.Project{{ID: "p1", Name: "Wedding", Status: models.ProjectStatusActive}},
	}}
	c := dial(t, rs, "kim")

	ds, err := c.Fetch(context.Background(), "kim")
	require.NoError(t, err)
	require.Len(t, ds.Projects, 1)
	assert.Equal(t, "Wedding", ds.Projects[0].Name)
	require.Len(t, ds.Users, 1)
	assert.True(t, ds.Users[0].IsActive)
}
