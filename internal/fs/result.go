package fs

// VerificationResult 单个条目与远端比对的结果
type VerificationResult int

const (
	ResultOK VerificationResult = iota
	ResultLinkOK
	ResultMissingHeaders
	ResultNotFound
	ResultNotDirectory
	ResultNotFile
	ResultNotLinkActuallyFile
	ResultNotLinkActuallyEmptyDir
	ResultNotLinkActuallyDir
	ResultWrongSize
	ResultChecksumMismatch
	ResultLinkMismatch
)

// MaxResultStringSize 最长结果名的长度，用于居中输出
const MaxResultStringSize = 27

var resultNames = [...]string{
	ResultOK:                      "OK",
	ResultLinkOK:                  "LINK_OK",
	ResultMissingHeaders:          "MISSING_HEADERS",
	ResultNotFound:                "NOT_FOUND",
	ResultNotDirectory:            "NOT_DIRECTORY",
	ResultNotFile:                 "NOT_FILE",
	ResultNotLinkActuallyFile:     "NOT_LINK_ACTUALLY_FILE",
	ResultNotLinkActuallyEmptyDir: "NOT_LINK_ACTUALLY_EMPTY_DIR",
	ResultNotLinkActuallyDir:      "NOT_LINK_ACTUALLY_DIR",
	ResultWrongSize:               "WRONG_SIZE",
	ResultChecksumMismatch:        "CHECKSUM_MISMATCH",
	ResultLinkMismatch:            "LINK_MISMATCH",
}

func (r VerificationResult) String() string {
	if r < 0 || int(r) >= len(resultNames) {
		return "UNKNOWN"
	}
	return resultNames[r]
}

// IsOK OK 或 LINK_OK
func (r VerificationResult) IsOK() bool {
	return r == ResultOK || r == ResultLinkOK
}

// IsNotLink 本地是链接，远端却是文件或目录
func (r VerificationResult) IsNotLink() bool {
	switch r {
	case ResultNotLinkActuallyFile, ResultNotLinkActuallyEmptyDir, ResultNotLinkActuallyDir:
		return true
	}
	return false
}
