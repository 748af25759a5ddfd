package repository

import (
	"context"
	"fmt"
	"os"
	"testing"

	"secondlayer/internal/models"
)

func testRepo(t *testing.T) *Repository {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	repo, err := NewRepository(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(repo.Close)

	if err := repo.Migrate("../../schema.sql"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := repo.db.Exec(context.Background(), `TRUNCATE chain.blocks CASCADE`); err != nil {
		t.Fatalf("truncate blocks: %v", err)
	}
	return repo
}

func seedBlocks(t *testing.T, repo *Repository, canonical []uint64, orphaned []uint64) {
	t.Helper()
	ctx := context.Background()
	for _, h := range canonical {
		if _, err := repo.db.Exec(ctx, `
			INSERT INTO chain.blocks (height, hash, parent_hash, timestamp, canonical)
			VALUES ($1, $2, $3, now(), true)`,
			h, fmt.Sprintf("0x%08x", h), fmt.Sprintf("0x%08x", h-1)); err != nil {
			t.Fatalf("seed block %d: %v", h, err)
		}
	}
	for _, h := range orphaned {
		if _, err := repo.db.Exec(ctx, `
			INSERT INTO chain.blocks (height, hash, parent_hash, timestamp, canonical)
			VALUES ($1, $2, $3, now(), false)`,
			h, fmt.Sprintf("0xdead%04x", h), fmt.Sprintf("0x%08x", h-1)); err != nil {
			t.Fatalf("seed orphan %d: %v", h, err)
		}
	}
}

func TestContiguousTipStopsAtGap(t *testing.T) {
	repo := testRepo(t)
	seedBlocks(t, repo, []uint64{1, 2, 3, 4, 5, 7, 8}, nil)
	ctx := context.Background()

	tip, err := repo.ContiguousTip(ctx, 1)
	if err != nil {
		t.Fatalf("contiguous tip: %v", err)
	}
	if tip != 5 {
		t.Errorf("tip from 1 = %d, want 5", tip)
	}

	tip, err = repo.ContiguousTip(ctx, 7)
	if err != nil {
		t.Fatalf("contiguous tip: %v", err)
	}
	if tip != 8 {
		t.Errorf("tip from 7 = %d, want 8", tip)
	}
}

// A hole at the starting height itself is invisible to the gap scan, which
// only compares adjacent present rows. The tip must not advance across it.
func TestContiguousTipDoesNotAdvanceOverMissingStart(t *testing.T) {
	repo := testRepo(t)
	seedBlocks(t, repo, []uint64{1, 2, 3, 4, 5, 7, 8}, nil)
	ctx := context.Background()

	tip, err := repo.ContiguousTip(ctx, 6)
	if err != nil {
		t.Fatalf("contiguous tip: %v", err)
	}
	if tip != 5 {
		t.Errorf("tip from missing height 6 = %d, want 5", tip)
	}
}

func TestContiguousTipTreatsOrphanedStartAsMissing(t *testing.T) {
	repo := testRepo(t)
	seedBlocks(t, repo, []uint64{1, 2, 3, 4, 5, 7, 8}, []uint64{6})
	ctx := context.Background()

	tip, err := repo.ContiguousTip(ctx, 6)
	if err != nil {
		t.Fatalf("contiguous tip: %v", err)
	}
	if tip != 5 {
		t.Errorf("tip from orphaned height 6 = %d, want 5", tip)
	}
}

func TestFindGaps(t *testing.T) {
	repo := testRepo(t)
	seedBlocks(t, repo, []uint64{1, 2, 3, 6, 7, 10}, nil)
	ctx := context.Background()

	gaps, err := repo.FindGaps(ctx, 10)
	if err != nil {
		t.Fatalf("find gaps: %v", err)
	}
	if len(gaps) != 2 {
		t.Fatalf("got %d gaps, want 2: %+v", len(gaps), gaps)
	}
	if gaps[0].GapStart != 4 || gaps[0].GapEnd != 5 || gaps[0].Size != 2 {
		t.Errorf("first gap = %+v", gaps[0])
	}
	if gaps[1].GapStart != 8 || gaps[1].GapEnd != 9 || gaps[1].Size != 2 {
		t.Errorf("second gap = %+v", gaps[1])
	}
}

func TestUpdateIndexProgressNeverRegresses(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	if _, err := repo.db.Exec(ctx, `DELETE FROM app.index_progress WHERE network = 'testnet-it'`); err != nil {
		t.Fatalf("reset progress: %v", err)
	}

	first := &models.IndexProgress{Network: "testnet-it", LastIndexedHeight: 100, LastContiguousHeight: 90, HighestSeenHeight: 120}
	if err := repo.UpdateIndexProgress(ctx, first); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	lagging := &models.IndexProgress{Network: "testnet-it", LastIndexedHeight: 50, LastContiguousHeight: 40, HighestSeenHeight: 60}
	if err := repo.UpdateIndexProgress(ctx, lagging); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	p, err := repo.GetIndexProgress(ctx, "testnet-it")
	if err != nil {
		t.Fatalf("get progress: %v", err)
	}
	if p.LastIndexedHeight != 100 || p.LastContiguousHeight != 90 || p.HighestSeenHeight != 120 {
		t.Errorf("progress regressed: %+v", p)
	}
}
