// Package mdpm contains the types shared between the worker process, the
// update scheduler, the notifier daemon, and any UI driving them: the wire
// command/result vocabulary and the package install-flags bitfield.
package mdpm

// Command identifies a request/response pair carried over the request and
// response pipes (§6). Ordering matters: it is part of the wire format.
type Command int32

const (
	CmdNoop Command = iota
	CmdStatus
	CmdGetPackageList
	CmdGetPackageInfo
	CmdGetPackageDetails
	CmdCheckUpdates
	CmdGetCatalogues
	CmdSetCatalogues
	CmdAddTempCatalogues
	CmdRmTempCatalogues
	CmdInstallCheck
	CmdDownloadPackage
	CmdInstallPackage
	CmdRemoveCheck
	CmdRemovePackage
	CmdGetFileDetails
	CmdInstallFile
	CmdClean
	CmdSaveBackupData
	CmdGetSystemUpdatePackages
	CmdReboot
	CmdSetOptions
	CmdSetEnv
	CmdThirdPartyPolicyCheck
)

func (c Command) String() string {
	if s, ok := commandNames[c]; ok {
		return s
	}
	return "unknown"
}

var commandNames = map[Command]string{
	CmdNoop:                    "noop",
	CmdStatus:                  "status",
	CmdGetPackageList:          "get-package-list",
	CmdGetPackageInfo:          "get-package-info",
	CmdGetPackageDetails:       "get-package-details",
	CmdCheckUpdates:            "check-updates",
	CmdGetCatalogues:           "get-catalogues",
	CmdSetCatalogues:           "set-catalogues",
	CmdAddTempCatalogues:       "add-temp-catalogues",
	CmdRmTempCatalogues:        "rm-temp-catalogues",
	CmdInstallCheck:            "install-check",
	CmdDownloadPackage:         "download-package",
	CmdInstallPackage:          "install-package",
	CmdRemoveCheck:             "remove-check",
	CmdRemovePackage:           "remove-package",
	CmdGetFileDetails:          "get-file-details",
	CmdInstallFile:             "install-file",
	CmdClean:                   "clean",
	CmdSaveBackupData:          "save-backup-data",
	CmdGetSystemUpdatePackages: "get-system-update-packages",
	CmdReboot:                  "reboot",
	CmdSetOptions:              "set-options",
	CmdSetEnv:                  "set-env",
	CmdThirdPartyPolicyCheck:   "third-party-policy-check",
}

// ResultCode is returned as the first encoded int of every mutating
// command's response payload (§6).
type ResultCode int32

const (
	ResultSuccess ResultCode = iota
	ResultPartialSuccess
	ResultCancelled
	ResultFailure
	ResultDownloadFailed
	ResultPackageCorrupted
	ResultPackagesNotFound
	ResultOutOfSpace
)

// InstallFlags is a bitfield describing the consequences of installing a
// package (§3, §6).
type InstallFlags int32

const (
	FlagCloseApps InstallFlags = 1 << iota
	FlagSuggestBackup
	FlagReboot
	FlagSystemUpdate
	FlagFlashAndReboot
)

// AbleStatus is the result of simulating an install or remove (§4.5).
type AbleStatus int32

const (
	StatusUnknown AbleStatus = iota
	StatusAble
	StatusUnable
	StatusConflicting
	StatusMissing
	StatusNeeded
	StatusCorrupted
	StatusIncompatible
	StatusIncompatibleCurrent
	StatusSystemUpdateUnremovable
	StatusNotFound
	StatusIncompatibleThirdParty
)

// OperationKind is the first field of a status frame's payload (§3, §4.7).
type OperationKind int32

const (
	OpDownloading OperationKind = iota
	OpGeneral
)

func (k OperationKind) String() string {
	if k == OpDownloading {
		return "downloading"
	}
	return "general"
}

// SummaryKind selects which simulation GET_PACKAGE_DETAILS reports (§4.6).
type SummaryKind int32

const (
	SummaryNone SummaryKind = iota
	SummaryInstall
	SummaryRemove
)

// SummaryLineKind categorizes one line of a GET_PACKAGE_DETAILS simulation
// trace (recovered from apt-worker-proto.h's apt_proto_sumtype; see
// SPEC_FULL.md "Supplemented features" item 4).
type SummaryLineKind int32

const (
	SumEnd SummaryLineKind = iota
	SumInstalling
	SumUpgrading
	SumRemoving
	SumNeededBy
	SumMissing
	SumConflicting
)

// CacheKind names one of the two switchable cache configurations (§3, §4.4).
type CacheKind int32

const (
	CacheDefault CacheKind = iota
	CacheTemp
)

func (k CacheKind) String() string {
	if k == CacheTemp {
		return "temp"
	}
	return "default"
}

// MagicSys is the virtual package name meaning "all upgradable non-user
// packages" (§4.5, GLOSSARY).
const MagicSys = "magic:sys"
