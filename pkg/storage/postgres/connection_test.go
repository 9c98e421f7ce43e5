package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/billingcore/pkg/observability"
	"github.com/platinummonkey/billingcore/pkg/storage"
)

func TestParseReplicaURLs(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{"empty string", "", nil},
		{"single URL", "postgres://localhost:5432/db", []string{"postgres://localhost:5432/db"}},
		{
			"whitespace and empty entries",
			" postgres://host1:5432/db ,, postgres://host2:5432/db ,",
			[]string{"postgres://host1:5432/db", "postgres://host2:5432/db"},
		},
		{"only commas", " , , ", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseReplicaURLs(tt.input))
		})
	}
}

func TestConnectionConfigFromStorage(t *testing.T) {
	cfg := storage.DefaultConfig()
	cfg.PostgresURL = "postgres://primary/billing"
	cfg.PostgresReplicaURLs = []string{"postgres://replica/billing"}

	cc := ConnectionConfigFromStorage(cfg)
	assert.Equal(t, "postgres://primary/billing", cc.PrimaryURL)
	assert.Equal(t, []string{"postgres://replica/billing"}, cc.ReplicaURLs)
	assert.Equal(t, 20, cc.MaxConns)
	assert.Equal(t, 5*time.Minute, cc.MaxIdleTime)
	assert.Equal(t, 10, cc.replicaMaxConns())

	assert.Equal(t, 2, ConnectionConfig{MaxConns: 1}.replicaMaxConns())
}

func mockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	return db, mock
}

func newTestManager(primary *sql.DB, replicas ...*sql.DB) *ConnectionManager {
	return &ConnectionManager{
		primary:  primary,
		replicas: replicas,
		logger:   observability.NewLogger(observability.ErrorLevel, nil),
	}
}

func TestReplicaSelection(t *testing.T) {
	primary, _ := mockDB(t)
	defer primary.Close()

	cm := newTestManager(primary)
	assert.Same(t, primary, cm.Replica(), "falls back to primary")

	r1, _ := mockDB(t)
	r2, _ := mockDB(t)
	defer r1.Close()
	defer r2.Close()
	cm = newTestManager(primary, r1, r2)

	seen := map[*sql.DB]int{}
	for range 4 {
		seen[cm.Replica()]++
	}
	assert.Equal(t, 2, seen[r1])
	assert.Equal(t, 2, seen[r2])
	assert.Len(t, cm.AllReplicas(), 2)
}

func TestHealthCheckAndRemoval(t *testing.T) {
	primary, pm := mockDB(t)
	healthy, hm := mockDB(t)
	broken, bm := mockDB(t)
	defer primary.Close()
	defer healthy.Close()

	cm := newTestManager(primary, healthy, broken)

	pm.ExpectPing()
	hm.ExpectPing()
	bm.ExpectPing().WillReturnError(errors.New("connection refused"))
	require.NoError(t, cm.HealthCheck(context.Background()), "one healthy replica is enough")

	hm.ExpectPing()
	bm.ExpectPing().WillReturnError(errors.New("connection refused"))
	bm.ExpectClose()
	assert.Equal(t, 1, cm.RemoveUnhealthyReplicas(context.Background()))
	assert.Len(t, cm.AllReplicas(), 1)

	pm.ExpectPing().WillReturnError(errors.New("down"))
	err := cm.HealthCheck(context.Background())
	assert.ErrorContains(t, err, "primary unhealthy")
}

func TestHealthCheckAllReplicasDown(t *testing.T) {
	primary, pm := mockDB(t)
	replica, rm := mockDB(t)
	defer primary.Close()
	defer replica.Close()

	cm := newTestManager(primary, replica)
	pm.ExpectPing()
	rm.ExpectPing().WillReturnError(errors.New("down"))

	err := cm.HealthCheck(context.Background())
	assert.ErrorContains(t, err, "all replicas unhealthy")
}

func TestManagerClose(t *testing.T) {
	primary, pm := mockDB(t)
	replica, rm := mockDB(t)
	pm.ExpectClose()
	rm.ExpectClose()

	cm := newTestManager(primary, replica)
	require.NoError(t, cm.Close())
	assert.Empty(t, cm.AllReplicas())
	assert.NoError(t, pm.ExpectationsWereMet())
	assert.NoError(t, rm.ExpectationsWereMet())
}

func TestNewStoreFromManagerReadsReplica(t *testing.T) {
	primary, _ := mockDB(t)
	replica, rm := mockDB(t)
	defer primary.Close()
	defer replica.Close()

	s := NewStoreFromManager(newTestManager(primary, replica))
	assert.Same(t, primary, s.DB())

	rm.ExpectQuery(`FROM promo_groups ORDER BY id`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "discounts", "auto_assign_spent", "is_default"}))
	groups, err := s.ListPromoGroups(context.Background())
	require.NoError(t, err)
	assert.Empty(t, groups)
	assert.NoError(t, rm.ExpectationsWereMet())
}

func TestRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := storage.DefaultConfig()
	cfg.RedisURL = "redis://" + mr.Addr()
	cfg.RedisDB = 2
	cfg.RedisPoolSize = 4

	opts, err := RedisOptions(cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 4, opts.PoolSize)
	assert.Equal(t, 3, opts.MaxRetries)

	client, err := NewRedisClient(cfg)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Ping(context.Background()))
	require.NoError(t, client.Client().Set(context.Background(), "k", "v", 0).Err())
	assert.NotNil(t, client.PoolStats())

	mr.Close()
	assert.Error(t, client.Ping(context.Background()))
}

func TestRedisClientBadURL(t *testing.T) {
	cfg := storage.DefaultConfig()
	cfg.RedisURL = "not-a-url"
	_, err := NewRedisClient(cfg)
	assert.ErrorContains(t, err, "invalid redis URL")
}
