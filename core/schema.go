package core

// FieldType describes the declared type of an event field.
type FieldType string

const (
	FieldTypeString    FieldType = "string"
	FieldTypeInt       FieldType = "int"
	FieldTypeBool      FieldType = "bool"
	FieldTypeIP        FieldType = "ip"
	FieldTypeTimestamp FieldType = "timestamp"
)

// FieldSpec declares one field of a source-type schema.
type FieldSpec struct {
	Type     FieldType
	Required bool
}

// sourceSchemas declares the known fields per source type. The envelope
// fields (entity_id, target_id, timestamp, source_type) are implicit on
// every source type.
var sourceSchemas = map[SourceType]map[string]FieldSpec{
	SourceAuth: {
		"action":      {Type: FieldTypeString, Required: true},
		"result":      {Type: FieldTypeString, Required: true},
		"source_ip":   {Type: FieldTypeIP},
		"user_agent":  {Type: FieldTypeString},
		"auth_method": {Type: FieldTypeString},
		"risk_level":  {Type: FieldTypeString},
		"app_name":    {Type: FieldTypeString},
	},
	SourceAudit: {
		"operation":  {Type: FieldTypeString, Required: true},
		"category":   {Type: FieldTypeString},
		"result":     {Type: FieldTypeString},
		"source_ip":  {Type: FieldTypeIP},
		"role_name":  {Type: FieldTypeString},
		"object_id":  {Type: FieldTypeString},
		"elevated":   {Type: FieldTypeBool},
		"change_set": {Type: FieldTypeString},
	},
	SourceProcess: {
		"process_name": {Type: FieldTypeString, Required: true},
		"command_line": {Type: FieldTypeString},
		"parent_name":  {Type: FieldTypeString},
		"hash":         {Type: FieldTypeString},
		"host":         {Type: FieldTypeString},
		"pid":          {Type: FieldTypeInt},
		"elevated":     {Type: FieldTypeBool},
	},
	SourceNetwork: {
		"source_ip":   {Type: FieldTypeIP, Required: true},
		"dest_ip":     {Type: FieldTypeIP},
		"dest_port":   {Type: FieldTypeInt},
		"protocol":    {Type: FieldTypeString},
		"bytes_out":   {Type: FieldTypeInt},
		"bytes_in":    {Type: FieldTypeInt},
		"direction":   {Type: FieldTypeString},
		"dest_domain": {Type: FieldTypeString},
	},
	SourceRegistry: {
		"key_path":   {Type: FieldTypeString, Required: true},
		"value_name": {Type: FieldTypeString},
		"value_data": {Type: FieldTypeString},
		"operation":  {Type: FieldTypeString},
		"host":       {Type: FieldTypeString},
	},
	SourceFile: {
		"path":      {Type: FieldTypeString, Required: true},
		"operation": {Type: FieldTypeString},
		"hash":      {Type: FieldTypeString},
		"host":      {Type: FieldTypeString},
		"size":      {Type: FieldTypeInt},
	},
	SourceCloudApp: {
		"app_name":    {Type: FieldTypeString, Required: true},
		"operation":   {Type: FieldTypeString, Required: true},
		"source_ip":   {Type: FieldTypeIP},
		"object_id":   {Type: FieldTypeString},
		"result":      {Type: FieldTypeString},
		"country":     {Type: FieldTypeString},
		"is_external": {Type: FieldTypeBool},
	},
}

// KnownField reports whether name is a declared or envelope field of st.
func KnownField(st SourceType, name string) bool {
	switch name {
	case FieldEntityID, FieldTargetID, FieldTimestamp, FieldSourceType:
		return true
	}
	_, ok := sourceSchemas[st][name]
	return ok
}

// RequiredFields returns the declared required field names for st.
func RequiredFields(st SourceType) []string {
	var names []string
	for name, spec := range sourceSchemas[st] {
		if spec.Required {
			names = append(names, name)
		}
	}
	return names
}

// MissingRequiredFields returns required fields of the event's source type
// that are absent, for ingest-time schema checks.
func MissingRequiredFields(e *Event) []string {
	var missing []string
	for name, spec := range sourceSchemas[e.SourceType] {
		if !spec.Required {
			continue
		}
		if _, ok := e.Fields[name]; !ok {
			missing = append(missing, name)
		}
	}
	if e.EntityID == "" {
		missing = append(missing, FieldEntityID)
	}
	return missing
}
