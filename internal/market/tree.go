package market

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// ScriptTree is a binary taproot script tree: either a *TapLeafNode or a
// *TapBranchNode.
type ScriptTree interface {
	// TapHash is the BIP-341 tagged hash of the subtree.
	TapHash() chainhash.Hash
	// Leaves returns the leaves of the subtree, left to right.
	Leaves() []*TapLeafNode
	isScriptTree()
}

// TapLeafNode is a tapscript leaf carrying the predicate it encodes.
type TapLeafNode struct {
	Predicate OutcomePredicate
	Leaf      txscript.TapLeaf
}

// TapBranchNode joins two subtrees.
type TapBranchNode struct {
	Left  ScriptTree
	Right ScriptTree
}

func (*TapLeafNode) isScriptTree()   {}
func (*TapBranchNode) isScriptTree() {}

func (l *TapLeafNode) TapHash() chainhash.Hash { return l.Leaf.TapHash() }

func (l *TapLeafNode) Leaves() []*TapLeafNode { return []*TapLeafNode{l} }

// TapHash hashes the two child hashes in lexicographic order under the
// "TapBranch" tag.
func (b *TapBranchNode) TapHash() chainhash.Hash {
	left, right := b.Left.TapHash(), b.Right.TapHash()
	if bytes.Compare(left[:], right[:]) > 0 {
		left, right = right, left
	}
	return *chainhash.TaggedHash(chainhash.TagTapBranch, left[:], right[:])
}

func (b *TapBranchNode) Leaves() []*TapLeafNode {
	return append(b.Left.Leaves(), b.Right.Leaves()...)
}

// NewTapLeafNode builds the leaf for a predicate.
func NewTapLeafNode(p OutcomePredicate) (*TapLeafNode, error) {
	script, err := p.Script()
	if err != nil {
		return nil, err
	}
	return &TapLeafNode{Predicate: p, Leaf: txscript.NewBaseTapLeaf(script)}, nil
}

// BuildOutcomeTree places the two outcome leaves side by side at depth one.
func BuildOutcomeTree(a, b OutcomePredicate) (ScriptTree, error) {
	leafA, err := NewTapLeafNode(a)
	if err != nil {
		return nil, err
	}
	leafB, err := NewTapLeafNode(b)
	if err != nil {
		return nil, err
	}
	return &TapBranchNode{Left: leafA, Right: leafB}, nil
}

// TaprootSpend is everything derived from the script tree: the output key,
// the funding address and a control block per outcome leaf. It is a pure
// function of the market's creation parameters.
type TaprootSpend struct {
	InternalKey *btcec.PublicKey
	Tree        ScriptTree
	Root        chainhash.Hash
	OutputKey   *btcec.PublicKey
	Address     *btcutil.AddressTaproot

	pkScript      []byte
	leaves        map[Outcome]*TapLeafNode
	controlBlocks map[Outcome][]byte
}

// BuildTaprootSpend derives the funding output for a market.
func BuildTaprootSpend(marketID string, settlementTime int64, oracle *btcec.PublicKey, params *chaincfg.Params) (*TaprootSpend, error) {
	if oracle == nil {
		return nil, fmt.Errorf("market: nil oracle key: %w", ErrInvalidOracleKey)
	}
	if params == nil {
		return nil, fmt.Errorf("market: nil chain params: %w", ErrInvalidNetwork)
	}

	tree, err := BuildOutcomeTree(
		NewOutcomePredicate(marketID, OutcomeA, settlementTime, oracle),
		NewOutcomePredicate(marketID, OutcomeB, settlementTime, oracle),
	)
	if err != nil {
		return nil, err
	}

	root := tree.TapHash()
	outputKey := txscript.ComputeTaprootOutputKey(numsKey, root[:])

	addr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(outputKey), params)
	if err != nil {
		return nil, fmt.Errorf("market: encode taproot address: %w", err)
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("market: build taproot pkscript: %w", err)
	}

	leaves := tree.Leaves()
	tapLeaves := make([]txscript.TapLeaf, len(leaves))
	for i, l := range leaves {
		tapLeaves[i] = l.Leaf
	}
	indexed := txscript.AssembleTaprootScriptTree(tapLeaves...)

	s := &TaprootSpend{
		InternalKey:   numsKey,
		Tree:          tree,
		Root:          root,
		OutputKey:     outputKey,
		Address:       addr,
		pkScript:      pkScript,
		leaves:        make(map[Outcome]*TapLeafNode, len(leaves)),
		controlBlocks: make(map[Outcome][]byte, len(leaves)),
	}
	for _, l := range leaves {
		idx, ok := indexed.LeafProofIndex[l.Leaf.TapHash()]
		if !ok {
			return nil, fmt.Errorf("market: no merkle proof for %s leaf", l.Predicate.Outcome)
		}
		proof := indexed.LeafMerkleProofs[idx]
		cb := proof.ToControlBlock(numsKey)
		cbBytes, err := cb.ToBytes()
		if err != nil {
			return nil, fmt.Errorf("market: serialize %s control block: %w", l.Predicate.Outcome, err)
		}
		s.leaves[l.Predicate.Outcome] = l
		s.controlBlocks[l.Predicate.Outcome] = cbBytes
	}
	return s, nil
}

// PkScript returns a copy of the P2TR output script.
func (s *TaprootSpend) PkScript() []byte {
	return append([]byte(nil), s.pkScript...)
}

// Predicate returns the spend condition committed for outcome o.
func (s *TaprootSpend) Predicate(o Outcome) (OutcomePredicate, error) {
	l, ok := s.leaves[o]
	if !ok {
		return OutcomePredicate{}, fmt.Errorf("market: predicate %q: %w", string(o), ErrInvalidOutcome)
	}
	return l.Predicate, nil
}

// LeafScript returns the tapscript for outcome o.
func (s *TaprootSpend) LeafScript(o Outcome) ([]byte, error) {
	l, ok := s.leaves[o]
	if !ok {
		return nil, fmt.Errorf("market: leaf script %q: %w", string(o), ErrInvalidOutcome)
	}
	return append([]byte(nil), l.Leaf.Script...), nil
}

// ControlBlock returns the serialized control block revealing outcome o's leaf.
func (s *TaprootSpend) ControlBlock(o Outcome) ([]byte, error) {
	cb, ok := s.controlBlocks[o]
	if !ok {
		return nil, fmt.Errorf("market: control block %q: %w", string(o), ErrInvalidOutcome)
	}
	return append([]byte(nil), cb...), nil
}

// Witness assembles the script-path witness [sig, leaf script, control block]
// for outcome o. The signature is checked first so an unusable witness is
// never produced.
func (s *TaprootSpend) Witness(o Outcome, sig []byte) (wire.TxWitness, error) {
	p, err := s.Predicate(o)
	if err != nil {
		return nil, err
	}
	if !p.Verify(sig) {
		return nil, fmt.Errorf("market: witness signature for %s: %w", o, ErrInvalidAttestation)
	}
	script, err := s.LeafScript(o)
	if err != nil {
		return nil, err
	}
	cb, err := s.ControlBlock(o)
	if err != nil {
		return nil, err
	}
	return wire.TxWitness{append([]byte(nil), sig...), script, cb}, nil
}
