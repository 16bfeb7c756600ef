// Package fairness derives provably-fair random values.
//
// A draw is HMAC-SHA256 keyed by the server seed over "clientSeed:nonce:cursor".
// The first four digest bytes, read big-endian, are divided by 2^32 so the
// result lies in [0,1). Anyone holding the revealed server seed can recompute
// every draw of a round.
package fairness

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"slices"
	"strconv"
)

// ServerSeedBytes is the entropy of a generated server seed before hex encoding.
const ServerSeedBytes = 32

const drawDenominator = float64(1 << 32)

// Float returns the draw for (serverSeed, clientSeed, nonce, cursor) in [0,1).
func Float(serverSeed []byte, clientSeed string, nonce, cursor uint64) float64 {
	mac := hmac.New(sha256.New, serverSeed)
	mac.Write([]byte(message(clientSeed, nonce, cursor)))
	sum := mac.Sum(nil)
	return float64(binary.BigEndian.Uint32(sum[:4])) / drawDenominator
}

// Digest returns the hex HMAC for a draw; used when publishing verification data.
func Digest(serverSeed []byte, clientSeed string, nonce, cursor uint64) string {
	mac := hmac.New(sha256.New, serverSeed)
	mac.Write([]byte(message(clientSeed, nonce, cursor)))
	return hex.EncodeToString(mac.Sum(nil))
}

func message(clientSeed string, nonce, cursor uint64) string {
	return clientSeed + ":" + strconv.FormatUint(nonce, 10) + ":" + strconv.FormatUint(cursor, 10)
}

// PlaceHazards selects hazardCount distinct cells out of gridSize by sampling
// without replacement: draw i picks floor(Float(i) * len(pool)) from the
// remaining pool. The result is sorted ascending.
func PlaceHazards(serverSeed, clientSeed string, nonce uint64, gridSize, hazardCount int) ([]int, error) {
	if gridSize <= 0 {
		return nil, fmt.Errorf("grid size must be positive, got %d", gridSize)
	}
	if hazardCount < 0 || hazardCount > gridSize {
		return nil, fmt.Errorf("hazard count %d outside [0,%d]", hazardCount, gridSize)
	}
	pool := make([]int, gridSize)
	for i := range pool {
		pool[i] = i
	}
	key := []byte(serverSeed)
	hazards := make([]int, 0, hazardCount)
	for cursor := 0; cursor < hazardCount; cursor++ {
		idx := int(Float(key, clientSeed, nonce, uint64(cursor)) * float64(len(pool)))
		hazards = append(hazards, pool[idx])
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	slices.Sort(hazards)
	return hazards, nil
}

// NewServerSeed returns a fresh hex-encoded server seed.
func NewServerSeed() (string, error) {
	b := make([]byte, ServerSeedBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read server seed: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// NewClientSeed returns a default client seed for users who never chose one.
func NewClientSeed() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read client seed: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Commitment is the SHA-256 of the server seed text, published before play.
func Commitment(serverSeed string) string {
	sum := sha256.Sum256([]byte(serverSeed))
	return hex.EncodeToString(sum[:])
}

// VerifyCommitment reports whether serverSeed hashes to commitment.
func VerifyCommitment(serverSeed, commitment string) bool {
	return hmac.Equal([]byte(Commitment(serverSeed)), []byte(commitment))
}
