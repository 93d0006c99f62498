package envelope

import (
	"fmt"
	"strings"
)

func newPartition(partitionID, service, product string) defaultPartition {
	return defaultPartition{
		id:      partitionID,
		service: service,
		product: product,
	}
}

// partition derives the system-key and intermediate-key ids for a
// productId/serviceId/partitionId triple.
type partition interface {
	SystemKeyID() string
	IntermediateKeyID() string
	IsValidIntermediateKeyID(id string) bool
}

// defaultPartition is the unsuffixed id scheme.
type defaultPartition struct {
	id      string
	service string
	product string
}

// SystemKeyID returns the system key id for the product/service.
func (p defaultPartition) SystemKeyID() string {
	return fmt.Sprintf("_SK_%s_%s", p.service, p.product)
}

// IntermediateKeyID returns the intermediate key id for the partition.
func (p defaultPartition) IntermediateKeyID() string {
	return fmt.Sprintf("_IK_%s_%s_%s", p.id, p.service, p.product)
}

// IsValidIntermediateKeyID reports whether id is this partition's
// intermediate key id.
func (p defaultPartition) IsValidIntermediateKeyID(id string) bool {
	return id == p.IntermediateKeyID()
}

func newSuffixedPartition(partitionID, service, product, suffix string) suffixedPartition {
	return suffixedPartition{
		defaultPartition: defaultPartition{
			id:      partitionID,
			service: service,
			product: product,
		},
		suffix: suffix,
	}
}

// suffixedPartition appends a region suffix to both key ids, while still
// accepting the unsuffixed intermediate key id on decrypt so records written
// before a region suffix was introduced remain readable.
type suffixedPartition struct {
	defaultPartition
	suffix string
}

// SystemKeyID returns the system key id for the product/service/region.
func (p suffixedPartition) SystemKeyID() string {
	return fmt.Sprintf("_SK_%s_%s_%s", p.service, p.product, p.suffix)
}

// IntermediateKeyID returns the intermediate key id for the
// partition/region.
func (p suffixedPartition) IntermediateKeyID() string {
	return fmt.Sprintf("_IK_%s_%s_%s_%s", p.id, p.service, p.product, p.suffix)
}

// IsValidIntermediateKeyID accepts either the suffixed id or, for backward
// compatibility, the unsuffixed id as a prefix match.
func (p suffixedPartition) IsValidIntermediateKeyID(id string) bool {
	return id == p.IntermediateKeyID() || strings.Index(id, p.defaultPartition.IntermediateKeyID()) == 0
}
