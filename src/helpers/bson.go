package helpers

import (
	"fmt"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
)

// GenerateUUID returns a fresh random UUID as its 16 raw bytes.
func GenerateUUID() []byte {
	u := uuid.New()
	return u[:]
}

// GenerateUUIDString returns a fresh random UUID in canonical string form.
func GenerateUUIDString() string {
	return uuid.New().String()
}

// EncodeBSON encodes a map into BSON bytes
func EncodeBSON(data map[string]interface{}) ([]byte, error) {
	encoded, err := bson.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("error encoding BSON: %w", err)
	}
	return encoded, nil
}

// DecodeBSON decodes BSON bytes back into a map
func DecodeBSON(data []byte) (map[string]interface{}, error) {
	var decoded map[string]interface{}
	if err := bson.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("error decoding BSON: %w", err)
	}
	return decoded, nil
}
