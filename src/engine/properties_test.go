package engine

import (
	"bytes"
	"fmt"
	"testing"

	"driftdb/src/blobs"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"go.mongodb.org/mongo-driver/bson"
)

func TestCollectionNameMappingProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	validName := gen.RegexMatch(`[a-zA-Z0-9][a-zA-Z0-9_%-]{0,29}`)

	properties.Property("valid names round-trip through the key-store mapping",
		prop.ForAll(func(name string) bool {
			store := CollectionNameToKeyStoreName(name)
			return store != "" && KeyStoreNameToCollectionName(store) == name
		}, validName))

	properties.Property("the inverse of any store name is a valid collection name or empty",
		prop.ForAll(func(storeName string) bool {
			name := KeyStoreNameToCollectionName(storeName)
			if name == "" {
				return true
			}
			return name == DefaultCollectionName || CollectionNameIsValid(name)
		}, gen.AnyString()))

	properties.Property("invalid names map to no key-store",
		prop.ForAll(func(name string) bool {
			if CollectionNameIsValid(name) || name == DefaultCollectionName {
				return true
			}
			return CollectionNameToKeyStoreName(name) == ""
		}, gen.AnyString()))

	properties.TestingRun(t)
}

func TestNestedTransactionBalanceProperty(t *testing.T) {
	db, _ := openTestBundle(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	// Each trial opens a random balanced nesting of transactions. Whatever
	// the interleaving of begins and ends, the level returns to zero and
	// the data file's exclusive lock is released.
	properties.Property("balanced begin/end pairs always release the transaction",
		prop.ForAll(func(deeper []bool, commits []bool) bool {
			level := 0
			commitAt := func(i int) bool {
				if i < len(commits) {
					return commits[i]
				}
				return true
			}
			if err := db.BeginTransaction(); err != nil {
				return false
			}
			level++
			ends := 0
			for _, down := range deeper {
				if down && level < 8 {
					if err := db.BeginTransaction(); err != nil {
						return false
					}
					level++
				} else if level > 0 {
					if err := db.EndTransaction(commitAt(ends)); err != nil {
						return false
					}
					level--
					ends++
				}
				if level == 0 {
					break
				}
			}
			for level > 0 {
				if err := db.EndTransaction(commitAt(ends)); err != nil {
					return false
				}
				level--
				ends++
			}
			return db.TransactionLevel() == 0 &&
				!db.InTransaction() &&
				!db.DataFile().InTransaction()
		}, gen.SliceOf(gen.Bool()), gen.SliceOf(gen.Bool())))

	properties.TestingRun(t)
}

func TestRemoteIDUniquenessProperty(t *testing.T) {
	db, _ := openTestBundle(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("distinct addresses get distinct IDs, all positive",
		prop.ForAll(func(suffixes []uint16) bool {
			seen := make(map[string]uint64)
			for _, s := range suffixes {
				address := fmt.Sprintf("wss://host-%d.example.com/db", s)
				id, err := db.GetRemoteDBID(address, true)
				if err != nil || id == 0 {
					return false
				}
				if prev, ok := seen[address]; ok && prev != id {
					return false
				}
				seen[address] = id
			}
			ids := make(map[uint64]string)
			for address, id := range seen {
				if other, ok := ids[id]; ok && other != address {
					return false
				}
				ids[id] = address
			}
			return true
		}, gen.SliceOf(gen.UInt16())))

	properties.TestingRun(t)
}

func TestUUIDResetProperty(t *testing.T) {
	db, _ := openTestBundle(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	properties.Property("every reset stashes the private UUID and changes both",
		prop.ForAll(func(bool) bool {
			publicBefore, err := db.GetUUID(PublicUUID)
			if err != nil {
				return false
			}
			privateBefore, err := db.GetUUID(PrivateUUID)
			if err != nil {
				return false
			}
			if err := db.ResetUUIDs(); err != nil {
				return false
			}
			publicAfter, err := db.GetUUID(PublicUUID)
			if err != nil {
				return false
			}
			privateAfter, err := db.GetUUID(PrivateUUID)
			if err != nil {
				return false
			}
			return bytes.Equal(db.PreviousPrivateUUID(), privateBefore) &&
				!bytes.Equal(publicBefore, publicAfter) &&
				!bytes.Equal(privateBefore, privateAfter)
		}, gen.Bool()))

	properties.TestingRun(t)
}

func TestBlobGCSetEqualityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 15
	properties := gopter.NewProperties(parameters)

	blobContents := gen.SliceOfN(6, gen.AnyString())

	properties.Property("after GC the blobs on disk are exactly the referenced set",
		prop.ForAll(func(contents []string, referenced []bool) bool {
			db, _ := openTestBundle(t)
			defer db.Close()
			store, err := db.BlobStore()
			if err != nil {
				return false
			}
			coll, err := db.DefaultCollection()
			if err != nil {
				return false
			}

			want := make(map[blobs.Key]struct{})
			for i, content := range contents {
				// Distinct payloads per slot so digests do not collide
				// between referenced and orphaned blobs.
				payload := []byte(fmt.Sprintf("%d:%s", i, content))
				key, err := store.Put(payload)
				if err != nil {
					return false
				}
				if i < len(referenced) && referenced[i] {
					body, err := bson.Marshal(map[string]interface{}{
						"attachment": map[string]interface{}{"digest": key.String()},
					})
					if err != nil {
						return false
					}
					if err := db.BeginTransaction(); err != nil {
						return false
					}
					_, putErr := coll.PutDocument(fmt.Sprintf("doc-%d", i), body, 0)
					if err := db.EndTransaction(putErr == nil); err != nil || putErr != nil {
						return false
					}
					want[key] = struct{}{}
				}
			}

			if _, err := db.GarbageCollectBlobs(); err != nil {
				return false
			}
			onDisk, err := store.Keys()
			if err != nil {
				return false
			}
			if len(onDisk) != len(want) {
				return false
			}
			for _, key := range onDisk {
				if _, ok := want[key]; !ok {
					return false
				}
			}
			return true
		}, blobContents, gen.SliceOfN(6, gen.Bool())))

	properties.TestingRun(t)
}
