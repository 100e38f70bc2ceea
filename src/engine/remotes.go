package engine

import (
	"driftdb/src/dberr"
	"driftdb/src/storage"

	"go.mongodb.org/mongo-driver/bson"
)

// The remotes info record maps remote database URLs to small dense integer
// IDs that replication checkpoints reference instead of full URLs.

type remoteTable struct {
	Remotes map[string]uint64 `bson:"remotes"`
}

func (db *Database) readRemotes() (map[string]uint64, error) {
	raw, ok := db.getInfo(infoKeyRemotes)
	if !ok || len(raw) == 0 {
		return map[string]uint64{}, nil
	}
	var table remoteTable
	if err := bson.Unmarshal(raw, &table); err != nil {
		return nil, dberr.Wrap(err, dberr.FleeceDomain, dberr.WrongFormat,
			"cannot decode remotes record")
	}
	if table.Remotes == nil {
		table.Remotes = map[string]uint64{}
	}
	return table.Remotes, nil
}

func (db *Database) writeRemotes(txn *storage.ExclusiveTransaction, remotes map[string]uint64) error {
	raw, err := bson.Marshal(remoteTable{Remotes: remotes})
	if err != nil {
		return dberr.Wrap(err, dberr.FleeceDomain, dberr.WrongFormat,
			"cannot encode remotes record")
	}
	return db.setInfo(txn, infoKeyRemotes, raw)
}

// GetRemoteDBID returns the stable ID for a remote URL. With canCreate it
// assigns the next dense ID; without, unknown URLs return 0.
func (db *Database) GetRemoteDBID(address string, canCreate bool) (uint64, error) {
	if err := db.checkOpen(); err != nil {
		return 0, err
	}
	if address == "" {
		return 0, dberr.Newf(dberr.LiteDomain, dberr.InvalidParameter,
			"remote address must not be empty")
	}

	remotes, err := db.readRemotes()
	if err != nil {
		return 0, err
	}
	if id, ok := remotes[address]; ok {
		return id, nil
	}
	if !canCreate {
		return 0, nil
	}

	var out uint64
	err = db.inTransaction(func(txn *storage.ExclusiveTransaction) error {
		// Re-read inside the transaction; another handle may have
		// assigned the address already.
		remotes, err := db.readRemotes()
		if err != nil {
			return err
		}
		if id, ok := remotes[address]; ok {
			out = id
			return nil
		}
		var max uint64
		for _, id := range remotes {
			if id > max {
				max = id
			}
		}
		out = max + 1
		remotes[address] = out
		return db.writeRemotes(txn, remotes)
	})
	return out, err
}

// GetRemoteDBAddress returns the URL assigned to an ID, or empty.
func (db *Database) GetRemoteDBAddress(id uint64) (string, error) {
	if err := db.checkOpen(); err != nil {
		return "", err
	}
	remotes, err := db.readRemotes()
	if err != nil {
		return "", err
	}
	for address, got := range remotes {
		if got == id {
			return address, nil
		}
	}
	return "", nil
}
