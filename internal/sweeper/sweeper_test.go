package sweeper

import (
	"context"
	"testing"
)

type noopEngine struct{}

func (noopEngine) Sweep(context.Context) {}

func TestNewValidatesSchedule(t *testing.T) {
	tests := []struct {
		name     string
		schedule string
		wantErr  bool
	}{
		{"every minute", "* * * * *", false},
		{"every five minutes", "*/5 * * * *", false},
		{"empty defaults", "", false},
		{"disabled", "off", false},
		{"garbage", "not a cron", true},
		{"too few fields", "* *", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(noopEngine{}, tt.schedule)
			if (err != nil) != tt.wantErr {
				t.Errorf("New(%q) err = %v, wantErr %v", tt.schedule, err, tt.wantErr)
			}
		})
	}
}

func TestRunDisabledReturnsOnCancel(t *testing.T) {
	s, err := New(noopEngine{}, "off")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	<-done
}
