package pipeline

import "strconv"

// SysmonPriority orders the built-in Sysmon pipeline ahead of site-specific ones.
const SysmonPriority = 10

// SysmonCategory maps an abstract logsource category to its Sysmon event IDs.
type SysmonCategory struct {
	Category string
	EventIDs []int
}

// SysmonCategories is the built-in category table.
var SysmonCategories = []SysmonCategory{
	{"process_creation", []int{1}},
	{"file_change", []int{2}},
	{"network_connection", []int{3}},
	{"sysmon_status", []int{4, 16}},
	{"process_termination", []int{5}},
	{"driver_load", []int{6}},
	{"image_load", []int{7}},
	{"create_remote_thread", []int{8}},
	{"raw_access_thread", []int{9}},
	{"process_access", []int{10}},
	{"file_event", []int{11}},
	{"registry_add", []int{12}},
	{"registry_delete", []int{12}},
	{"registry_set", []int{13}},
	{"registry_rename", []int{14}},
	{"registry_event", []int{12, 13, 14}},
	{"create_stream_hash", []int{15}},
	{"pipe_created", []int{17, 18}},
	{"wmi_event", []int{19, 20, 21}},
	{"dns_query", []int{22}},
	{"file_delete", []int{23, 26}},
	{"clipboard_capture", []int{24}},
	{"process_tampering", []int{25}},
	{"file_delete_detected", []int{26}},
	{"file_block_executable", []int{27}},
	{"file_block_shredding", []int{28}},
	{"file_executable_detected", []int{29}},
	{"sysmon_error", []int{255}},
}

// WindowsSysmon builds the pipeline that targets Windows Sysmon events.
func WindowsSysmon() *Pipeline {
	rules := make([]RewriteRule, 0, len(SysmonCategories))
	for _, c := range SysmonCategories {
		values := make([]string, len(c.EventIDs))
		for i, id := range c.EventIDs {
			values[i] = strconv.Itoa(id)
		}
		rules = append(rules, RewriteRule{
			When:    Condition{Category: c.Category, Product: "windows"},
			Field:   "EventID",
			Values:  values,
			Product: "windows",
			Service: "sysmon",
		})
	}
	return &Pipeline{
		Name:     "windows-sysmon",
		Priority: SysmonPriority,
		Rules:    rules,
		Scope:    Condition{Product: "windows"},
	}
}
