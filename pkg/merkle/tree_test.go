// Copyright 2026 Mandala Network
//
// Merkle tree tests.

package merkle

import (
	"bytes"
	"crypto/sha256"
	"testing"
)

func leafHashes(n int) [][]byte {
	leaves := make([][]byte, n)
	for i := 0; i < n; i++ {
		h := sha256.Sum256([]byte{byte(i)})
		leaves[i] = h[:]
	}
	return leaves
}

func TestBuild_SingleLeaf(t *testing.T) {
	leaf := sha256.Sum256([]byte("entry"))
	tree, err := Build([][]byte{leaf[:]})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !bytes.Equal(tree.Root(), leaf[:]) {
		t.Errorf("single leaf root mismatch: got %x, want %x", tree.Root(), leaf[:])
	}
	if tree.LeafCount() != 1 {
		t.Errorf("leaf count: got %d, want 1", tree.LeafCount())
	}
}

func TestBuild_TwoLeaves(t *testing.T) {
	leaves := leafHashes(2)
	tree, err := Build(leaves)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	combined := append(append([]byte{}, leaves[0]...), leaves[1]...)
	want := sha256.Sum256(combined)
	if !bytes.Equal(tree.Root(), want[:]) {
		t.Errorf("root mismatch: got %x, want %x", tree.Root(), want[:])
	}
}

func TestBuild_RejectsBadLeaves(t *testing.T) {
	if _, err := Build(nil); err != ErrEmptyTree {
		t.Errorf("empty: got %v, want ErrEmptyTree", err)
	}
	if _, err := Build([][]byte{{1, 2, 3}}); err == nil {
		t.Error("short leaf accepted")
	}
}

func TestProofRoundTrip(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 7, 8, 100} {
		leaves := leafHashes(n)
		tree, err := Build(leaves)
		if err != nil {
			t.Fatalf("n=%d build: %v", n, err)
		}
		for i := 0; i < n; i++ {
			proof, err := tree.Proof(i)
			if err != nil {
				t.Fatalf("n=%d proof(%d): %v", n, i, err)
			}
			ok, err := Verify(leaves[i], proof, tree.Root())
			if err != nil {
				t.Fatalf("n=%d verify(%d): %v", n, i, err)
			}
			if !ok {
				t.Errorf("n=%d leaf %d: valid proof rejected", n, i)
			}
		}
	}
}

func TestProof_WrongLeafFails(t *testing.T) {
	leaves := leafHashes(8)
	tree, err := Build(leaves)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	proof, err := tree.Proof(3)
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	ok, err := Verify(leaves[4], proof, tree.Root())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Error("proof for leaf 3 verified against leaf 4")
	}
}

func TestProof_OutOfRange(t *testing.T) {
	tree, err := Build(leafHashes(4))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := tree.Proof(4); err == nil {
		t.Error("out-of-range proof accepted")
	}
	if _, err := tree.Proof(-1); err == nil {
		t.Error("negative index accepted")
	}
}
