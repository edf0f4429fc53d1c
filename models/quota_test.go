package models

import (
	"testing"
	"time"
)

func TestQuotaPeriodStart_IsMidnightUTC(t *testing.T) {
	loc := time.FixedZone("UTC+7", 7*3600)
	// 02:30 on the 5th in UTC+7 is still the 4th in UTC.
	now := time.Date(2026, 3, 5, 2, 30, 0, 0, loc)
	got := QuotaPeriodStart(now)
	want := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestQuotaWindowExpired_ResetsDaily(t *testing.T) {
	day := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	quota := BusinessQuota{UsedCount: DefaultSyncJobQuota, PeriodStart: day}

	// Same window, even at its last second: usage still counts.
	if quota.WindowExpired(day.Add(24*time.Hour - time.Second)) {
		t.Fatalf("usage inside the window must not expire")
	}

	// One second into the next day the old usage no longer counts, so a
	// fully consumed quota does not lock the business out forever.
	if !quota.WindowExpired(day.Add(24*time.Hour + time.Second)) {
		t.Fatalf("usage from an earlier day must expire")
	}
}
