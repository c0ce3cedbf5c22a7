package config

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/aluiziolira/go-catalog-harvester/models"
)

// LoadSources reads listing sources from a plain-text file, one locator per line.
func LoadSources(path, labelParam string) ([]models.ListingSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sources file: %w", err)
	}
	defer f.Close()

	sources, err := ParseSources(f, labelParam)
	if err != nil {
		return nil, fmt.Errorf("read sources file %q: %w", path, err)
	}
	return sources, nil
}

// ParseSources reads one locator per line. Blank lines and lines starting with
// '#' are ignored. The label is taken from the labelParam query parameter and
// falls back to the raw locator.
func ParseSources(r io.Reader, labelParam string) ([]models.ListingSource, error) {
	var sources []models.ListingSource
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		sources = append(sources, models.ListingSource{
			Locator: line,
			Label:   SourceLabel(line, labelParam),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return sources, nil
}

// SourceLabel extracts the display label of a locator.
func SourceLabel(locator, labelParam string) string {
	if labelParam == "" {
		return locator
	}
	parsed, err := url.Parse(locator)
	if err != nil {
		return locator
	}
	if label := parsed.Query().Get(labelParam); label != "" {
		return label
	}
	return locator
}
