package appconfig

import (
	"bufio"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

var shareAddressRegexp = regexp.MustCompile(`^//.+/.+`)

// Share is one line of the shares file.
type Share struct {
	Address string
	// Options holds the mount flags following the address, e.g. "-o username=admin".
	Options string
}

// LoadShares parses a shares file. Each line is "//host/share [-o opts]"; blank lines and lines
// starting with '#' are skipped, malformed addresses are logged and ignored.
func LoadShares(fsys afero.Fs, path string, log logrus.FieldLogger) ([]Share, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open shares config '%v': %w", path, err)
	}
	defer f.Close()

	res := make([]Share, 0)
	seen := make(map[string]int)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		address, opts, _ := strings.Cut(line, " ")
		address = strings.TrimSpace(address)
		if !shareAddressRegexp.MatchString(address) {
			log.WithField("share", address).Warn("share ignored due to invalid format, must be of form //address/export")
			continue
		}
		s := Share{Address: address, Options: strings.TrimSpace(opts)}
		if idx, ok := seen[address]; ok {
			res[idx] = s
			continue
		}
		seen[address] = len(res)
		res = append(res, s)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("unable to read shares config '%v': %w", path, err)
	}
	return res, nil
}

// ParseOptions splits mount flags into bare options and key=value options.
func ParseOptions(flags string) ([]string, map[string]string) {
	list := make([]string, 0)
	named := make(map[string]string)
	for _, field := range strings.Fields(flags) {
		if field == "-o" {
			continue
		}
		for _, opt := range strings.Split(field, ",") {
			if opt == "" {
				continue
			}
			k, v, ok := strings.Cut(opt, "=")
			if ok {
				named[k] = v
			} else {
				list = append(list, k)
			}
		}
	}
	return list, named
}

// ParseCredentials rewrites mount flags so that the user name carries no domain.
// Without a user the share is mounted as guest.
func ParseCredentials(flags string) string {
	list, named := ParseOptions(flags)
	username := named["user"]
	if username == "" {
		username = named["username"]
	}
	delete(named, "user")
	if username != "" {
		named["username"] = username[strings.LastIndex(username, `\`)+1:]
	} else {
		named["username"] = "guest"
	}

	keys := make([]string, 0, len(named))
	for k := range named {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys)+len(list))
	for _, k := range keys {
		parts = append(parts, k+"="+named[k])
	}
	parts = append(parts, list...)
	return "-o " + strings.Join(parts, ",")
}
