package geo

import (
	"errors"
	"testing"
	"time"

	"github.com/radiusdt/affiliate-attribution/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingProvider struct {
	*StaticProvider
	calls int
	err   error
}

func (p *countingProvider) Lookup(ip string) (*models.GeoInfo, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.StaticProvider.Lookup(ip)
}

func TestResolver_CachesLookups(t *testing.T) {
	p := &countingProvider{StaticProvider: NewStaticProvider()}
	p.AddEntry("203.0.113.7", &models.GeoInfo{Country: "DE"})

	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	r := NewResolver(p, 10, time.Hour, nil)
	r.cache.nowFn = func() time.Time { return now }

	info := r.Lookup("203.0.113.7")
	require.NotNil(t, info)
	assert.Equal(t, "DE", info.Country)

	r.Lookup("203.0.113.7")
	assert.Equal(t, 1, p.calls)

	assert.Nil(t, r.Lookup("198.51.100.1"))
	assert.Nil(t, r.Lookup("198.51.100.1"))
	assert.Equal(t, 2, p.calls)

	now = now.Add(2 * time.Hour)
	r.Lookup("203.0.113.7")
	assert.Equal(t, 3, p.calls)
}

func TestResolver_EvictsAtCapacity(t *testing.T) {
	p := &countingProvider{StaticProvider: NewStaticProvider()}
	r := NewResolver(p, 2, time.Hour, nil)

	r.Lookup("192.0.2.1")
	r.Lookup("192.0.2.2")
	r.Lookup("192.0.2.3")
	assert.Len(t, r.cache.data, 2)
}

func TestResolver_ErrorsResolveToNil(t *testing.T) {
	p := &countingProvider{StaticProvider: NewStaticProvider(), err: errors.New("corrupt db")}
	r := NewResolver(p, 10, time.Hour, nil)

	assert.Nil(t, r.Lookup("203.0.113.7"))
	assert.Nil(t, NewResolver(nil, 10, time.Hour, nil).Lookup("203.0.113.7"))
}

func TestParseUserAgent(t *testing.T) {
	cases := []struct {
		ua   string
		want models.DeviceInfo
	}{
		{
			"Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
			models.DeviceInfo{Type: "phone", OS: "ios", Browser: "safari"},
		},
		{
			"Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36",
			models.DeviceInfo{Type: "phone", OS: "android", Browser: "chrome"},
		},
		{
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
			models.DeviceInfo{Type: "desktop", OS: "windows", Browser: "edge"},
		},
		{
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 14.1; rv:121.0) Gecko/20100101 Firefox/121.0",
			models.DeviceInfo{Type: "desktop", OS: "macos", Browser: "firefox"},
		},
		{
			"Mozilla/5.0 (iPad; CPU OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
			models.DeviceInfo{Type: "tablet", OS: "ios", Browser: "safari"},
		},
		{"", models.DeviceInfo{}},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, ParseUserAgent(tc.ua), tc.ua)
	}
}
