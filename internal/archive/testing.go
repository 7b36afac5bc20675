package archive

import "chronostore/internal/infra/archive/s3"

// NewMockS3ForTests returns an S3 store backed by an in-process fake bucket.
func NewMockS3ForTests(prefix string) Store {
	return s3.NewMockForTests(prefix)
}
