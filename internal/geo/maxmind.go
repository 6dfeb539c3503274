// Package geo resolves client IPs to locations and user agents to devices.
package geo

import (
	"fmt"
	"net"

	"github.com/oschwald/maxminddb-golang"
	"github.com/radiusdt/affiliate-attribution/internal/models"
)

// Provider looks up the location of an IP. A nil result means unknown.
type Provider interface {
	Lookup(ip string) (*models.GeoInfo, error)
	Close() error
}

// mmdbRecord is the subset of a GeoLite2 City/Country record we read.
type mmdbRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	Subdivisions []struct {
		ISOCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"subdivisions"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
}

// MaxMindProvider implements Provider on a GeoLite2 database.
type MaxMindProvider struct {
	reader *maxminddb.Reader
}

// NewMaxMindProvider opens the database at dbPath.
func NewMaxMindProvider(dbPath string) (*MaxMindProvider, error) {
	reader, err := maxminddb.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database: %w", err)
	}
	return &MaxMindProvider{reader: reader}, nil
}

// Lookup returns geo information for an IP address.
func (m *MaxMindProvider) Lookup(ip string) (*models.GeoInfo, error) {
	parsedIP := net.ParseIP(ip)
	if parsedIP == nil {
		return nil, fmt.Errorf("invalid IP address: %s", ip)
	}

	var record mmdbRecord
	if err := m.reader.Lookup(parsedIP, &record); err != nil {
		return nil, err
	}
	if record.Country.ISOCode == "" {
		return nil, nil
	}

	info := &models.GeoInfo{Country: record.Country.ISOCode}
	if len(record.Subdivisions) > 0 {
		info.Region = record.Subdivisions[0].ISOCode
		if name := record.Subdivisions[0].Names["en"]; name != "" {
			info.Region = name
		}
	}
	info.City = record.City.Names["en"]
	return info, nil
}

// Close closes the GeoIP database.
func (m *MaxMindProvider) Close() error {
	if m.reader != nil {
		return m.reader.Close()
	}
	return nil
}

// StaticProvider serves fixed entries. Used in tests and when no database
// is configured.
type StaticProvider struct {
	data map[string]*models.GeoInfo
}

func NewStaticProvider() *StaticProvider {
	return &StaticProvider{data: make(map[string]*models.GeoInfo)}
}

func (p *StaticProvider) AddEntry(ip string, info *models.GeoInfo) {
	p.data[ip] = info
}

func (p *StaticProvider) Lookup(ip string) (*models.GeoInfo, error) {
	if info, ok := p.data[ip]; ok {
		cp := *info
		return &cp, nil
	}
	return nil, nil
}

func (p *StaticProvider) Close() error {
	return nil
}
