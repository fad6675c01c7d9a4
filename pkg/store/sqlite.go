package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/parallelvirtualcluster/bootstrapd/pkg/bootstraperr"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/log"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS clusters (
	id    INTEGER PRIMARY KEY AUTOINCREMENT,
	name  TEXT UNIQUE NOT NULL,
	state TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS nodes (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	cluster      INTEGER NOT NULL,
	state        TEXT NOT NULL,
	name         TEXT NOT NULL,
	nodeid       INTEGER NOT NULL,
	bmc_macaddr  TEXT NOT NULL DEFAULT '',
	bmc_ipaddr   TEXT NOT NULL DEFAULT '',
	host_macaddr TEXT NOT NULL DEFAULT '',
	host_ipaddr  TEXT NOT NULL DEFAULT '',
	CONSTRAINT cluster_fk FOREIGN KEY (cluster) REFERENCES clusters(id) ON DELETE CASCADE
);
`

// SQLiteStore is the SQLite-backed Store implementation. It opens the
// database with a single connection (SQLite has no useful concurrent
// writers) and enforces foreign keys, matching
// original_source/.../lib/db.py's "PRAGMA foreign_keys = 1" + one
// connection per call discipline.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates (if needed) and opens the SQLite database at path.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on", path))
	if err != nil {
		return nil, &bootstraperr.StoreError{Op: "open", Err: err}
	}
	// SQLite serializes writers internally; a single shared connection
	// avoids SQLITE_BUSY from this process's own goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, &bootstraperr.StoreError{Op: "init schema", Err: err}
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetClusterByID(ctx context.Context, id int64) (*types.Cluster, error) {
	return s.scanCluster(s.db.QueryRowContext(ctx, `SELECT id, name, state FROM clusters WHERE id = ?`, id))
}

func (s *SQLiteStore) GetClusterByName(ctx context.Context, name string) (*types.Cluster, error) {
	return s.scanCluster(s.db.QueryRowContext(ctx, `SELECT id, name, state FROM clusters WHERE name = ?`, name))
}

func (s *SQLiteStore) scanCluster(row *sql.Row) (*types.Cluster, error) {
	var c types.Cluster
	if err := row.Scan(&c.ID, &c.Name, &c.State); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, &bootstraperr.StoreError{Op: "get cluster", Err: err}
	}
	return &c, nil
}

// AddCluster inserts a cluster row and one node row per name in
// nodeNames, all starting in NodeInit. nid is derived from the digits in
// each hostname when present; hostnames with no digits are assigned
// monotonically increasing ids starting at 1, in the order given.
func (s *SQLiteStore) AddCluster(ctx context.Context, name string, state types.ClusterState, nodeNames []string) (*types.Cluster, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &bootstraperr.StoreError{Op: "add cluster", Err: err}
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO clusters (name, state) VALUES (?, ?)`, name, state)
	if err != nil {
		return nil, &bootstraperr.StoreError{Op: "add cluster", Err: err}
	}
	clusterID, err := res.LastInsertId()
	if err != nil {
		return nil, &bootstraperr.StoreError{Op: "add cluster", Err: err}
	}

	nextMonotonic := int64(1)
	for _, nodeName := range nodeNames {
		nid := NodeIDFromHostname(nodeName)
		if nid == 0 {
			nid = nextMonotonic
			nextMonotonic++
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO nodes (cluster, state, name, nodeid) VALUES (?, ?, ?, ?)`,
			clusterID, types.NodeInit, nodeName, nid,
		); err != nil {
			return nil, &bootstraperr.StoreError{Op: "add cluster node", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, &bootstraperr.StoreError{Op: "add cluster", Err: err}
	}

	log.WithComponent("store").Info().Str("cluster", name).Int("nodes", len(nodeNames)).Msg("cluster added")
	return &types.Cluster{ID: clusterID, Name: name, State: state}, nil
}

func (s *SQLiteStore) UpdateClusterState(ctx context.Context, id int64, state types.ClusterState) error {
	res, err := s.db.ExecContext(ctx, `UPDATE clusters SET state = ? WHERE id = ?`, state, id)
	if err != nil {
		return &bootstraperr.StoreError{Op: "update cluster state", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompareAndSwapClusterState relies on SQLite's single-writer-connection
// locking: the UPDATE's WHERE clause checks both id and the expected
// current state in the same statement, so of any number of callers racing
// to advance the same cluster, only the one whose from matches what is
// currently stored affects a row.
func (s *SQLiteStore) CompareAndSwapClusterState(ctx context.Context, id int64, from, to types.ClusterState) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE clusters SET state = ? WHERE id = ? AND state = ?`, to, id, from)
	if err != nil {
		return false, &bootstraperr.StoreError{Op: "compare-and-swap cluster state", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &bootstraperr.StoreError{Op: "compare-and-swap cluster state", Err: err}
	}
	return n > 0, nil
}

func (s *SQLiteStore) GetNode(ctx context.Context, clusterName string, nid int64, name, bmcMAC string) (*types.Node, error) {
	const baseQuery = `
SELECT n.id, n.cluster, n.state, n.name, n.nodeid, n.bmc_macaddr, n.bmc_ipaddr, n.host_macaddr, n.host_ipaddr
FROM nodes n JOIN clusters c ON c.id = n.cluster
WHERE c.name = ? AND `

	var row *sql.Row
	switch {
	case nid != 0:
		row = s.db.QueryRowContext(ctx, baseQuery+"n.nodeid = ?", clusterName, nid)
	case name != "":
		row = s.db.QueryRowContext(ctx, baseQuery+"n.name = ?", clusterName, name)
	case bmcMAC != "":
		row = s.db.QueryRowContext(ctx, baseQuery+"n.bmc_macaddr = ?", clusterName, strings.ToLower(bmcMAC))
	default:
		return nil, fmt.Errorf("GetNode: one of nid, name, bmcMAC must be set")
	}

	var n types.Node
	if err := row.Scan(&n.ID, &n.Cluster, &n.State, &n.Name, &n.NID, &n.BMCMACAddr, &n.BMCIPAddr, &n.HostMACAddr, &n.HostIPAddr); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, &bootstraperr.StoreError{Op: "get node", Err: err}
	}
	return &n, nil
}

func (s *SQLiteStore) GetNodesInCluster(ctx context.Context, clusterName string) ([]*types.Node, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT n.id, n.cluster, n.state, n.name, n.nodeid, n.bmc_macaddr, n.bmc_ipaddr, n.host_macaddr, n.host_ipaddr
FROM nodes n JOIN clusters c ON c.id = n.cluster
WHERE c.name = ?
ORDER BY n.nodeid`, clusterName)
	if err != nil {
		return nil, &bootstraperr.StoreError{Op: "get nodes in cluster", Err: err}
	}
	defer rows.Close()

	var out []*types.Node
	for rows.Next() {
		var n types.Node
		if err := rows.Scan(&n.ID, &n.Cluster, &n.State, &n.Name, &n.NID, &n.BMCMACAddr, &n.BMCIPAddr, &n.HostMACAddr, &n.HostIPAddr); err != nil {
			return nil, &bootstraperr.StoreError{Op: "get nodes in cluster", Err: err}
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AddNode(ctx context.Context, clusterID int64, name string, nid int64) (*types.Node, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO nodes (cluster, state, name, nodeid) VALUES (?, ?, ?, ?)`,
		clusterID, types.NodeInit, name, nid)
	if err != nil {
		return nil, &bootstraperr.StoreError{Op: "add node", Err: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, &bootstraperr.StoreError{Op: "add node", Err: err}
	}
	return &types.Node{ID: id, Cluster: clusterID, State: types.NodeInit, Name: name, NID: nid}, nil
}

func (s *SQLiteStore) UpdateNodeState(ctx context.Context, id int64, state types.NodeState) error {
	res, err := s.db.ExecContext(ctx, `UPDATE nodes SET state = ? WHERE id = ?`, state, id)
	if err != nil {
		return &bootstraperr.StoreError{Op: "update node state", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) UpdateNodeAddresses(ctx context.Context, id int64, bmcMAC, bmcIP, hostMAC, hostIP string) error {
	existing, err := s.getNodeByID(ctx, id)
	if err != nil {
		return err
	}
	if bmcMAC != "" {
		existing.BMCMACAddr = strings.ToLower(bmcMAC)
	}
	if bmcIP != "" {
		existing.BMCIPAddr = bmcIP
	}
	if hostMAC != "" {
		existing.HostMACAddr = strings.ToLower(hostMAC)
	}
	if hostIP != "" {
		existing.HostIPAddr = hostIP
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE nodes SET bmc_macaddr = ?, bmc_ipaddr = ?, host_macaddr = ?, host_ipaddr = ? WHERE id = ?`,
		existing.BMCMACAddr, existing.BMCIPAddr, existing.HostMACAddr, existing.HostIPAddr, id)
	if err != nil {
		return &bootstraperr.StoreError{Op: "update node addresses", Err: err}
	}
	return nil
}

// GetNodeByID returns a node by its store-assigned row id, used by callers
// (e.g. the redfish init barrier wait) that already hold a *types.Node from
// an earlier lookup and only need to refresh its state.
func (s *SQLiteStore) GetNodeByID(ctx context.Context, id int64) (*types.Node, error) {
	return s.getNodeByID(ctx, id)
}

func (s *SQLiteStore) getNodeByID(ctx context.Context, id int64) (*types.Node, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, cluster, state, name, nodeid, bmc_macaddr, bmc_ipaddr, host_macaddr, host_ipaddr
FROM nodes WHERE id = ?`, id)
	var n types.Node
	if err := row.Scan(&n.ID, &n.Cluster, &n.State, &n.Name, &n.NID, &n.BMCMACAddr, &n.BMCIPAddr, &n.HostMACAddr, &n.HostIPAddr); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, &bootstraperr.StoreError{Op: "get node", Err: err}
	}
	return &n, nil
}

// NodeIDFromHostname derives a node id from the digit characters of a
// hostname (e.g. "hv12" -> 12). It returns 0 when the hostname has no
// digits, signaling the caller should assign one monotonically instead.
func NodeIDFromHostname(hostname string) int64 {
	var digits strings.Builder
	for _, r := range hostname {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return 0
	}
	var n int64
	for _, r := range digits.String() {
		n = n*10 + int64(r-'0')
	}
	return n
}

var _ Store = (*SQLiteStore)(nil)
