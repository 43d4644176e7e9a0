package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strconv"
	"strings"
)

const sealPrefix = " [metadata sha256:"

// MetadataDigest returns the hex SHA-256 of the immutable batch fields.
// It is sealed into the Origin event so that an edited metadata row no
// longer matches its chain.
func (b *Batch) MetadataDigest() string {
	h := sha256.New()
	writeFields(h,
		"batch",
		b.BatchID,
		b.Herb,
		formatFloat(b.QuantityKg),
		b.HarvestDate,
		b.FarmerName,
		b.FarmerID,
		b.Location,
		b.GPS,
		b.QualityGrade,
		b.Notes,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// MetadataDigest returns the hex SHA-256 of the immutable product fields,
// composition, certifications and quality tests included.
func (p *Product) MetadataDigest() string {
	h := sha256.New()
	writeFields(h,
		"product",
		p.ProductID,
		p.Name,
		p.ManufacturerID,
		p.Manufacturer,
		p.ManufactureDate,
		p.ExpiryDate,
		strconv.Itoa(len(p.Composition)),
	)
	for _, in := range p.Composition {
		writeFields(h, in.BatchID, formatFloat(in.Percentage))
	}
	writeFields(h, strconv.Itoa(len(p.Certifications)))
	writeFields(h, p.Certifications...)
	writeFields(h, strconv.Itoa(len(p.QualityTests)))
	for _, q := range p.QualityTests {
		writeFields(h, q.Name, q.Result, q.Date)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// writeFields length-prefixes each field so distinct tuples never collide.
func writeFields(h hash.Hash, fields ...string) {
	for _, f := range fields {
		fmt.Fprintf(h, "%d:%s|", len(f), f)
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// SealDetail appends a metadata digest to the detail of a chain's first event.
func SealDetail(detail, digest string) string {
	return detail + sealPrefix + digest + "]"
}

// SealedDigest returns the metadata digest sealed into detail.
func SealedDigest(detail string) (string, bool) {
	i := strings.LastIndex(detail, sealPrefix)
	if i < 0 || !strings.HasSuffix(detail, "]") {
		return "", false
	}
	return detail[i+len(sealPrefix) : len(detail)-1], true
}
