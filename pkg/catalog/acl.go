package catalog

import "sort"

// AccessControl holds the principal lists attached to a raw object.
//
// For projects the lists are absolute. For experiments, datasets and
// datafiles a nil list inherits the parent's resolved list at ingestion
// time, while a non-nil list (even an empty one) overrides it.
type AccessControl struct {
	AdminGroups     []string `yaml:"admin_groups" json:"admin_groups"`
	AdminUsers      []string `yaml:"admin_users" json:"admin_users"`
	ReadGroups      []string `yaml:"read_groups" json:"read_groups"`
	ReadUsers       []string `yaml:"read_users" json:"read_users"`
	DownloadGroups  []string `yaml:"download_groups" json:"download_groups"`
	DownloadUsers   []string `yaml:"download_users" json:"download_users"`
	SensitiveGroups []string `yaml:"sensitive_groups" json:"sensitive_groups"`
	SensitiveUsers  []string `yaml:"sensitive_users" json:"sensitive_users"`
}

// AccessField names one of the eight principal lists.
type AccessField string

// Access-control field names as they appear in raw metadata.
const (
	AdminGroups     AccessField = "admin_groups"
	AdminUsers      AccessField = "admin_users"
	ReadGroups      AccessField = "read_groups"
	ReadUsers       AccessField = "read_users"
	DownloadGroups  AccessField = "download_groups"
	DownloadUsers   AccessField = "download_users"
	SensitiveGroups AccessField = "sensitive_groups"
	SensitiveUsers  AccessField = "sensitive_users"
)

// AccessFields lists every access-control field.
var AccessFields = []AccessField{
	AdminGroups, AdminUsers, ReadGroups, ReadUsers,
	DownloadGroups, DownloadUsers, SensitiveGroups, SensitiveUsers,
}

// IsAccessField reports whether name is an access-control field.
func IsAccessField(name string) bool {
	for _, f := range AccessFields {
		if string(f) == name {
			return true
		}
	}
	return false
}

// Field returns a pointer to the list named by f.
func (a *AccessControl) Field(f AccessField) *[]string {
	switch f {
	case AdminGroups:
		return &a.AdminGroups
	case AdminUsers:
		return &a.AdminUsers
	case ReadGroups:
		return &a.ReadGroups
	case ReadUsers:
		return &a.ReadUsers
	case DownloadGroups:
		return &a.DownloadGroups
	case DownloadUsers:
		return &a.DownloadUsers
	case SensitiveGroups:
		return &a.SensitiveGroups
	case SensitiveUsers:
		return &a.SensitiveUsers
	default:
		return nil
	}
}

// Clone returns a deep copy preserving nil-ness of each list.
func (a AccessControl) Clone() AccessControl {
	var out AccessControl
	for _, f := range AccessFields {
		src := *a.Field(f)
		if src != nil {
			*out.Field(f) = append(make([]string, 0, len(src)), src...)
		}
	}
	return out
}

// Inherit returns a copy of a where every nil list is replaced by the
// corresponding list of parent. Non-nil lists are kept as they are.
func (a AccessControl) Inherit(parent AccessControl) AccessControl {
	out := a.Clone()
	for _, f := range AccessFields {
		dst := out.Field(f)
		if *dst == nil {
			if src := *parent.Field(f); src != nil {
				*dst = append(make([]string, 0, len(src)), src...)
			}
		}
	}
	return out
}

// Absolute returns a copy with every nil list replaced by an empty one.
func (a AccessControl) Absolute() AccessControl {
	out := a.Clone()
	for _, f := range AccessFields {
		if dst := out.Field(f); *dst == nil {
			*dst = []string{}
		}
	}
	return out
}

// Union merges several resolved access controls field by field.
func Union(acs ...AccessControl) AccessControl {
	var out AccessControl
	for _, f := range AccessFields {
		seen := map[string]bool{}
		var merged []string
		present := false
		for _, ac := range acs {
			list := *ac.Field(f)
			if list != nil {
				present = true
			}
			for _, p := range list {
				if !seen[p] {
					seen[p] = true
					merged = append(merged, p)
				}
			}
		}
		if present && merged == nil {
			merged = []string{}
		}
		*out.Field(f) = merged
	}
	return out
}

// ACE is one resolved access-control entry.
type ACE struct {
	Principal    string `json:"-"`
	IsOwner      bool   `json:"is_owner"`
	CanDownload  bool   `json:"can_download"`
	SeeSensitive bool   `json:"see_sensitive"`
}

// ACL is the resolved access-control list of an object.
type ACL struct {
	Users  []ACE
	Groups []ACE
}

// Resolve converts the principal lists into unique entries. Admins are
// owners with download and sensitive rights; every other principal gets
// the rights of the lists it appears in.
func (a AccessControl) Resolve() ACL {
	return ACL{
		Users:  resolveEntries(a.AdminUsers, a.ReadUsers, a.DownloadUsers, a.SensitiveUsers),
		Groups: resolveEntries(a.AdminGroups, a.ReadGroups, a.DownloadGroups, a.SensitiveGroups),
	}
}

func resolveEntries(admin, read, download, sensitive []string) []ACE {
	entries := map[string]*ACE{}
	get := func(p string) *ACE {
		if e, ok := entries[p]; ok {
			return e
		}
		e := &ACE{Principal: p}
		entries[p] = e
		return e
	}
	for _, p := range admin {
		e := get(p)
		e.IsOwner, e.CanDownload, e.SeeSensitive = true, true, true
	}
	for _, p := range read {
		get(p)
	}
	for _, p := range download {
		get(p).CanDownload = true
	}
	for _, p := range sensitive {
		get(p).SeeSensitive = true
	}

	out := make([]ACE, 0, len(entries))
	for _, e := range entries {
		if e.Principal == "" {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Principal < out[j].Principal })
	return out
}

// UserPayload renders user entries for the catalog wire format.
func (l ACL) UserPayload() []map[string]any {
	return aclPayload("user", l.Users)
}

// GroupPayload renders group entries for the catalog wire format.
func (l ACL) GroupPayload() []map[string]any {
	return aclPayload("group", l.Groups)
}

func aclPayload(key string, entries []ACE) []map[string]any {
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			key:             e.Principal,
			"is_owner":      e.IsOwner,
			"can_download":  e.CanDownload,
			"see_sensitive": e.SeeSensitive,
		})
	}
	return out
}
