package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"xfactor-bot-go/internal/marketdata"
)

func barsFromCloses(closes []float64) []marketdata.Bar {
	bars := make([]marketdata.Bar, len(closes))
	for i, c := range closes {
		bars[i] = marketdata.Bar{Close: c}
	}
	return bars
}

// flatThenRally builds n flat bars followed by a steady climb.
func flatThenRally(flat, rally int, base, step float64) []float64 {
	closes := make([]float64, 0, flat+rally)
	for i := 0; i < flat; i++ {
		closes = append(closes, base)
	}
	for i := 1; i <= rally; i++ {
		closes = append(closes, base+step*float64(i))
	}
	return closes
}

func TestSMACrossover_InsufficientHistory(t *testing.T) {
	s := &SMACrossover{Fast: 10, Slow: 30}

	sig, err := s.Evaluate(barsFromCloses([]float64{1, 2, 3}))

	var insufficient *ErrInsufficientHistory
	assert.ErrorAs(t, err, &insufficient)
	assert.Equal(t, Hold, sig.Type)
}

func TestSMACrossover_TrendingMarket(t *testing.T) {
	s := &SMACrossover{Fast: 10, Slow: 30}

	// A long flat stretch then a strong rally puts the fast SMA well above
	// the slow one.
	sig, err := s.Evaluate(barsFromCloses(flatThenRally(40, 20, 100, 2)))

	assert.NoError(t, err)
	assert.True(t, sig.IsBuy(), "rally should lean buy, got %s", sig.Type)
	assert.Greater(t, sig.Confidence, 0.0)
	assert.Contains(t, sig.Indicators, "spread")

	// The mirror image leans sell.
	declining := make([]float64, 0, 60)
	for _, c := range flatThenRally(40, 20, 100, 2) {
		declining = append(declining, 200-c+100)
	}
	sig, err = s.Evaluate(barsFromCloses(declining))
	assert.NoError(t, err)
	assert.True(t, sig.IsSell(), "decline should lean sell, got %s", sig.Type)
}

func TestSMACrossover_FlatMarketHolds(t *testing.T) {
	s := &SMACrossover{Fast: 10, Slow: 30}

	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 100
	}
	sig, err := s.Evaluate(barsFromCloses(closes))

	assert.NoError(t, err)
	assert.Equal(t, Hold, sig.Type)
}

func TestRSIReversion_Extremes(t *testing.T) {
	s := &RSIReversion{Period: 14, Oversold: 30, Overbought: 70}

	// Straight losses drive RSI to 0.
	sig, err := s.Evaluate(barsFromCloses(flatDecline(20, 100, 1)))
	assert.NoError(t, err)
	assert.Equal(t, StrongBuy, sig.Type)

	// Straight gains drive RSI to 100.
	sig, err = s.Evaluate(barsFromCloses(flatThenRally(0, 20, 100, 1)))
	assert.NoError(t, err)
	assert.Equal(t, StrongSell, sig.Type)
}

func flatDecline(n int, base, step float64) []float64 {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = base - step*float64(i)
	}
	return closes
}

func TestMomentumBurst(t *testing.T) {
	s := &MomentumBurst{Lookback: 10, Threshold: 0.03}

	// +8% over the lookback is more than twice the threshold.
	closes := flatThenRally(5, 10, 100, 0.8)
	sig, err := s.Evaluate(barsFromCloses(closes))
	assert.NoError(t, err)
	assert.Equal(t, StrongBuy, sig.Type)

	// +1% is below the threshold.
	closes = flatThenRally(5, 10, 100, 0.1)
	sig, err = s.Evaluate(barsFromCloses(closes))
	assert.NoError(t, err)
	assert.Equal(t, Hold, sig.Type)
}

func TestNew_UnknownStrategy(t *testing.T) {
	_, err := New("Astrology")
	assert.Error(t, err)

	for _, name := range Names() {
		s, err := New(name)
		assert.NoError(t, err)
		assert.Equal(t, name, s.Name())
	}
}

func TestComposite_RejectsUnknownAndEmpty(t *testing.T) {
	_, err := NewComposite(nil)
	assert.Error(t, err)

	_, err = NewComposite(map[string]float64{"NoSuch": 1})
	assert.Error(t, err)
}

func TestComposite_BlendsVotes(t *testing.T) {
	// Arrange
	c, err := NewComposite(map[string]float64{
		"SMACrossover":  0.6,
		"RSIReversion":  0.5,
		"MomentumBurst": 0.5,
	})
	assert.NoError(t, err)

	// Act: a strong sustained rally should lean buy across members
	sig, err := c.Evaluate(barsFromCloses(flatThenRally(40, 20, 100, 2)))

	// Assert
	assert.NoError(t, err)
	assert.False(t, sig.IsSell(), "rally must not read as sell")
	assert.NotEmpty(t, sig.Reasoning)
}

func TestComposite_FailedMembersDoNotVote(t *testing.T) {
	// Arrange: only MomentumBurst (lookback 10) can score 12 bars;
	// SMACrossover needs 31.
	c, err := NewComposite(map[string]float64{
		"SMACrossover":  0.6,
		"MomentumBurst": 0.5,
	})
	assert.NoError(t, err)

	// Act: a 12-bar burst
	sig, err := c.Evaluate(barsFromCloses(flatThenRally(1, 11, 100, 1)))

	// Assert: momentum alone carries the vote
	assert.NoError(t, err)
	assert.True(t, sig.IsBuy(), "got %s", sig.Type)
}

func TestComposite_ErrorsWhenNoMemberVotes(t *testing.T) {
	c, err := NewComposite(map[string]float64{"SMACrossover": 1})
	assert.NoError(t, err)

	sig, err := c.Evaluate(barsFromCloses([]float64{1, 2}))

	assert.Error(t, err)
	assert.Equal(t, Hold, sig.Type)
}
