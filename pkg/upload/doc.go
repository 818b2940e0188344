// Package upload copies verification reports to their long-term destination.
//
// Two destination schemes are supported:
//
//	s3://bucket/prefix   the report is stored under prefix + "/" + base name
//	file:///dir          the report is copied into dir
//
// The S3 uploader works against AWS and S3-compatible stores; credentials are
// resolved from the explicit settings first, then from the named profile and
// the default AWS chain.
package upload
