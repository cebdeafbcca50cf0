package storage

import (
	"encoding/json"
	"path/filepath"

	"github.com/edgefleet/cm/pkg/cmerr"
	"github.com/edgefleet/cm/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketInstances   = []byte("instances")
	bucketDesired     = []byte("desired_status")
	bucketUpdateState = []byte("update_state")
	bucketNetworks    = []byte("networks")
	bucketTraffic     = []byte("traffic")
)

const (
	keyDesiredStatus = "current"
	keyUpdateState   = "current"
)

// BoltStore implements Store on top of a single bbolt database file, one
// bucket per entity, JSON-marshaled values.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the communication manager's
// database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "cm.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, cmerr.Wrap(cmerr.Failed, err, "open database")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketInstances,
			bucketDesired,
			bucketUpdateState,
			bucketNetworks,
			bucketTraffic,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, cmerr.Wrap(cmerr.Failed, err, "create buckets")
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Instance operations

func (s *BoltStore) CreateInstance(info *types.InstanceInfo) error {
	return s.UpdateInstance(info)
}

func (s *BoltStore) GetInstance(ident types.InstanceIdent) (*types.InstanceInfo, error) {
	var info types.InstanceInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		data := b.Get([]byte(ident.String()))
		if data == nil {
			return cmerr.Newf(cmerr.NotFound, "instance %s", ident)
		}
		return json.Unmarshal(data, &info)
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *BoltStore) ListInstances() ([]*types.InstanceInfo, error) {
	var instances []*types.InstanceInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		return b.ForEach(func(k, v []byte) error {
			var info types.InstanceInfo
			if err := json.Unmarshal(v, &info); err != nil {
				return err
			}
			instances = append(instances, &info)
			return nil
		})
	})
	return instances, err
}

// UpdateInstance is an upsert: the same call creates or replaces the
// record for info.Ident.
func (s *BoltStore) UpdateInstance(info *types.InstanceInfo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		data, err := json.Marshal(info)
		if err != nil {
			return err
		}
		return b.Put([]byte(info.Ident.String()), data)
	})
}

func (s *BoltStore) DeleteInstance(ident types.InstanceIdent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		return b.Delete([]byte(ident.String()))
	})
}

// Desired status: a single current value.

func (s *BoltStore) SaveDesiredStatus(status *types.DesiredStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDesired)
		data, err := json.Marshal(status)
		if err != nil {
			return err
		}
		return b.Put([]byte(keyDesiredStatus), data)
	})
}

func (s *BoltStore) GetDesiredStatus() (*types.DesiredStatus, error) {
	var status types.DesiredStatus
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDesired)
		data := b.Get([]byte(keyDesiredStatus))
		if data == nil {
			return cmerr.New(cmerr.NotFound, "desired status")
		}
		return json.Unmarshal(data, &status)
	})
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// Update pipeline state: a single persisted position, restored on
// restart so UpdateManager resumes rather than restarting cold.

func (s *BoltStore) SaveUpdateState(state types.UpdateState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUpdateState)
		return b.Put([]byte(keyUpdateState), []byte(state))
	})
}

func (s *BoltStore) GetUpdateState() (types.UpdateState, error) {
	var state types.UpdateState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUpdateState)
		data := b.Get([]byte(keyUpdateState))
		if data == nil {
			state = types.UpdateStateNone
			return nil
		}
		state = types.UpdateState(data)
		return nil
	})
	return state, err
}

// Network operations

func (s *BoltStore) CreateNetwork(network *types.NetworkInfo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNetworks)
		data, err := json.Marshal(network)
		if err != nil {
			return err
		}
		return b.Put([]byte(network.NetworkID), data)
	})
}

func (s *BoltStore) GetNetwork(networkID string) (*types.NetworkInfo, error) {
	var network types.NetworkInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNetworks)
		data := b.Get([]byte(networkID))
		if data == nil {
			return cmerr.Newf(cmerr.NotFound, "network %s", networkID)
		}
		return json.Unmarshal(data, &network)
	})
	if err != nil {
		return nil, err
	}
	return &network, nil
}

func (s *BoltStore) ListNetworks() ([]*types.NetworkInfo, error) {
	var networks []*types.NetworkInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNetworks)
		return b.ForEach(func(k, v []byte) error {
			var network types.NetworkInfo
			if err := json.Unmarshal(v, &network); err != nil {
				return err
			}
			networks = append(networks, &network)
			return nil
		})
	})
	return networks, err
}

func (s *BoltStore) DeleteNetwork(networkID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNetworks)
		return b.Delete([]byte(networkID))
	})
}

// Traffic counters, keyed by "<instance>/<chain>" so ListTrafficCounters
// can prefix-scan a single instance's chains.

func (s *BoltStore) SaveTrafficCounters(counters *types.TrafficCounters) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTraffic)
		data, err := json.Marshal(counters)
		if err != nil {
			return err
		}
		return b.Put(trafficKey(counters.Ident, counters.Chain), data)
	})
}

func (s *BoltStore) ListTrafficCounters(ident types.InstanceIdent) ([]*types.TrafficCounters, error) {
	prefix := []byte(ident.String() + "/")
	var counters []*types.TrafficCounters
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTraffic).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var tc types.TrafficCounters
			if err := json.Unmarshal(v, &tc); err != nil {
				return err
			}
			counters = append(counters, &tc)
		}
		return nil
	})
	return counters, err
}

func trafficKey(ident types.InstanceIdent, chain string) []byte {
	return []byte(ident.String() + "/" + chain)
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
