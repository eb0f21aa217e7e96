package provider

import "testing"

func TestLimiterSetForCreatesDefault(t *testing.T) {
	s := NewLimiterSet()
	l := s.For("runpod")
	if l == nil {
		t.Fatal("For() returned nil limiter")
	}
	if got := l.Burst(); got != 5 {
		t.Errorf("default burst = %d, want 5", got)
	}
}

func TestLimiterSetConfigureOverridesDefault(t *testing.T) {
	s := NewLimiterSet()
	s.Configure("vast", 20, 40)
	l := s.For("vast")
	if got := l.Burst(); got != 40 {
		t.Errorf("configured burst = %d, want 40", got)
	}
}

func TestLimiterSetIsStablePerProvider(t *testing.T) {
	s := NewLimiterSet()
	first := s.For("runpod")
	second := s.For("runpod")
	if first != second {
		t.Error("For() should return the same limiter instance on repeated calls")
	}
}
