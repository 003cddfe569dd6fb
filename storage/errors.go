package storage

import "github.com/ruteri/tenant-provisioning-backend/interfaces"

var (
	ErrKeyNotFound        = interfaces.ErrKeyNotFound
	ErrBackendUnavailable = interfaces.ErrBackendUnavailable
)
