package wallet

import (
	"math/big"
	"testing"

	ristretto "github.com/bwesterb/go-ristretto"
	"github.com/google/uuid"
	assert "github.com/stretchr/testify/require"
)

func TestAuthenticationPathCoords(t *testing.T) {
	assert := assert.New(t)

	p := &AuthenticationPath{LeafIndex: 5}
	coords := p.Coords()
	assert.Len(coords, MerkleHeight)

	// Leaf 5's sibling is leaf 4; the next level pairs node 2 with node 3.
	assert.Equal(TreeCoords{Depth: MerkleHeight, Index: 4}, coords[0])
	assert.Equal(TreeCoords{Depth: MerkleHeight - 1, Index: 3}, coords[1])
	assert.Equal(TreeCoords{Depth: MerkleHeight - 2, Index: 0}, coords[2])
}

func TestIndexPatch(t *testing.T) {
	assert := assert.New(t)

	idx := NewIndex()
	w := &Wallet{ID: uuid.New(), MerkleProof: &AuthenticationPath{LeafIndex: 0}}
	noProof := &Wallet{ID: uuid.New()}
	idx.Add(w)
	idx.Add(noProof)

	var v ristretto.Scalar
	v.SetBigInt(big.NewInt(42))

	changed := map[TreeCoords]ristretto.Scalar{
		{Depth: MerkleHeight, Index: 1}: v,
	}

	patched := idx.Patch(changed)
	assert.Equal([]ID{w.ID}, patched)

	got, _ := idx.Get(w.ID)
	assert.Equal(v, got.MerkleProof.Siblings[0])

	// Same map again: same value, no further effect.
	idx.Patch(changed)
	got, _ = idx.Get(w.ID)
	assert.Equal(v, got.MerkleProof.Siblings[0])
}

func TestCommitmentDependsOnContents(t *testing.T) {
	assert := assert.New(t)

	w := &Wallet{ID: uuid.New(), Balances: []Balance{{Mint: 1, Amount: 100}}}
	c1 := w.Commitment()
	n1 := w.MatchNullifier()

	w.Balances[0].Amount = 99
	assert.NotEqual(c1, w.Commitment())
	assert.NotEqual(n1, w.MatchNullifier())
}
