package discovery

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// TXTRecordMap is a map of TXT record key-value pairs.
type TXTRecordMap map[string]string

// EncodeServerTXT creates the TXT records for a server.
func EncodeServerTXT(info *ServerInfo) TXTRecordMap {
	txt := make(TXTRecordMap)

	version := info.Version
	if version == "" {
		version = DefaultVersion
	}
	txt[TXTKeyVersion] = version
	txt[TXTKeySecurity] = strings.Join(info.SecurityModes, ",")

	if len(info.Formats) > 0 {
		strs := make([]string, len(info.Formats))
		for i, f := range info.Formats {
			strs[i] = strconv.FormatUint(uint64(f), 10)
		}
		txt[TXTKeyFormats] = strings.Join(strs, ",")
	}
	if info.Path != "" {
		txt[TXTKeyPath] = info.Path
	}
	return txt
}

// DecodeServerTXT parses the TXT records of a server.
func DecodeServerTXT(txt TXTRecordMap) (*ServerInfo, error) {
	info := &ServerInfo{}

	var ok bool
	info.Version, ok = txt[TXTKeyVersion]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyVersion)
	}

	sec, ok := txt[TXTKeySecurity]
	if !ok || sec == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeySecurity)
	}
	info.SecurityModes = splitList(sec)

	if f := txt[TXTKeyFormats]; f != "" {
		for _, s := range splitList(f) {
			n, err := strconv.ParseUint(s, 10, 16)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid format %q", ErrInvalidTXTRecord, s)
			}
			info.Formats = append(info.Formats, uint16(n))
		}
	}
	info.Path = txt[TXTKeyPath]
	return info, nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// TXTRecordsToStrings converts a TXTRecordMap to sorted "key=value"
// strings.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	result := make([]string, 0, len(txt))
	for k, v := range txt {
		result = append(result, k+"="+v)
	}
	slices.Sort(result)
	return result
}

// StringsToTXTRecords parses "key=value" strings into a TXTRecordMap.
func StringsToTXTRecords(strs []string) TXTRecordMap {
	txt := make(TXTRecordMap)
	for _, s := range strs {
		k, v, found := strings.Cut(s, "=")
		if !found && k == "" {
			continue
		}
		txt[k] = v
	}
	return txt
}

// ValidateTXT checks that every record fits in one TXT string.
func ValidateTXT(txt TXTRecordMap) error {
	for k, v := range txt {
		if len(k)+1+len(v) > MaxTXTValueLen {
			return fmt.Errorf("%w: %s too long", ErrInvalidTXTRecord, k)
		}
	}
	return nil
}

// ValidateInstanceName checks if an instance name is valid for mDNS.
func ValidateInstanceName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrMissingRequired)
	}
	if len(name) > MaxInstanceNameLen {
		return ErrInstanceNameTooLong
	}
	return nil
}
