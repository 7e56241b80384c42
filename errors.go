package relro

import "github.com/pkg/errors"

var (
	// ErrReservation occurs when no address range could be reserved under any preference.
	ErrReservation = errors.New("address reservation failed")
	// ErrNoReservation occurs when a load is attempted while the reserved address is zero.
	ErrNoReservation = errors.New("no reserved load address")
	// ErrLoad occurs when the native primitive failed to map the library image.
	ErrLoad = errors.New("library load failed")
	// ErrLinkFailure is the fatal outcome: the library could not be loaded even without sharing.
	ErrLinkFailure = errors.New("link failure")
	// ErrRelroProduce occurs when a shareable RELRO could not be materialized.
	ErrRelroProduce = errors.New("relro produce failed")
	// ErrRelroConsume occurs when a remote RELRO could not be used.
	ErrRelroConsume = errors.New("relro consume failed")
	// ErrNotIdentical occurs when the shared RELRO content differs from the local one.
	ErrNotIdentical = errors.New("relro content not identical")
	// ErrProtocolViolation occurs when a second remote record is delivered.
	ErrProtocolViolation = errors.New("remote record already adopted")
	// ErrAlreadyLoaded occurs when a coordinator is asked to load twice.
	ErrAlreadyLoaded = errors.New("library already loaded")
	// ErrConfigFrozen occurs when configuration changes after the first load.
	ErrConfigFrozen = errors.New("configuration is frozen")
	// ErrLoaderExists occurs when a second Loader is created in one process.
	ErrLoaderExists = errors.New("loader already exists in this process")
	// ErrUnsupported occurs when the native primitive is not available on this platform.
	ErrUnsupported = errors.New("not supported on this platform")
)
