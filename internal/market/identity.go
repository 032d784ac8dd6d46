package market

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// IDLength is the number of hex characters in a market id.
const IDLength = 16

const idDomain = "nostrmarket/market-id/v1"

// DeriveID computes the market id from its creation parameters. Each field is
// trimmed and length-prefixed before hashing so field boundaries cannot shift.
// The oracle key is taken as 32 raw bytes.
func DeriveID(question, outcomeA, outcomeB string, oracleKey []byte, settlementTime int64) string {
	fields := []string{
		idDomain,
		strings.TrimSpace(question),
		strings.TrimSpace(outcomeA),
		strings.TrimSpace(outcomeB),
		hex.EncodeToString(oracleKey),
		strconv.FormatInt(settlementTime, 10),
	}

	var b strings.Builder
	for _, f := range fields {
		b.WriteString(strconv.Itoa(len(f)))
		b.WriteByte(':')
		b.WriteString(f)
		b.WriteByte('|')
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:IDLength]
}

// OutcomeMessage is the exact text the oracle signs to settle a market on
// outcome o: "{market_id}:{A|B}:{settlement_time}".
//
// The script leaf for o commits to the SHA-256 of this message and the
// settlement verifier compares attestation payloads against it, so both sides
// must go through this function.
func OutcomeMessage(marketID string, o Outcome, settlementTime int64) string {
	return marketID + ":" + string(o) + ":" + strconv.FormatInt(settlementTime, 10)
}

// OutcomeDigest is SHA-256(OutcomeMessage(...)), the 32-byte message the
// oracle's script-path signature covers.
func OutcomeDigest(marketID string, o Outcome, settlementTime int64) [32]byte {
	return sha256.Sum256([]byte(OutcomeMessage(marketID, o, settlementTime)))
}
