package importer

// schema.go declares, per entity type, the mapping from header aliases to
// canonical field names and each field's value kind. Keeping the alias set
// in one table makes it auditable and testable independently of the import
// logic; unrecognized headers are simply ignored.

import "github.com/openlims/labtrack/internal/store"

// FieldKind selects the value cleaner applied to a canonical field.
type FieldKind int

const (
	KindText FieldKind = iota
	KindNumber    // external numbers and reference numbers
	KindQuantity  // numeric measurements, units stripped
	KindDate      // Excel-serial-or-string dates
	KindBool      // fixed yes/no vocabulary
)

// FieldDef is one canonical field of an entity.
type FieldDef struct {
	Name    string    // canonical field name
	Kind    FieldKind
	Aliases []string // recognized header spellings, pre-normalized form
}

// schemas maps each entity type to its field definitions. Alias entries are
// matched after header normalization (lowercase, punctuation collapsed to
// underscores), so "PI Name", "PI_Name" and "pi-name" all land on pi_name.
var schemas = map[store.Entity][]FieldDef{
	store.Organizations: {
		{Name: "number", Kind: KindNumber, Aliases: []string{"number", "id", "collaborator_number", "collaborator_id", "organization_number", "org_number", "org_id", "no"}},
		{Name: "name", Kind: KindText, Aliases: []string{"name", "collaborator", "collaborator_name", "organization", "organization_name", "org_name"}},
		{Name: "institute", Kind: KindText, Aliases: []string{"institute", "institution", "affiliation", "university"}},
		{Name: "department", Kind: KindText, Aliases: []string{"department", "dept", "division"}},
		{Name: "pi_name", Kind: KindText, Aliases: []string{"pi_name", "pi", "principal_investigator", "investigator"}},
		{Name: "email", Kind: KindText, Aliases: []string{"email", "e_mail", "contact_email", "mail"}},
		{Name: "phone", Kind: KindText, Aliases: []string{"phone", "telephone", "tel", "phone_number"}},
		{Name: "address", Kind: KindText, Aliases: []string{"address", "street", "postal_address"}},
		{Name: "country", Kind: KindText, Aliases: []string{"country", "nation"}},
		{Name: "active", Kind: KindBool, Aliases: []string{"active", "is_active", "enabled"}},
	},
	store.Projects: {
		{Name: "number", Kind: KindNumber, Aliases: []string{"number", "id", "project_number", "project_id", "project_no", "no"}},
		{Name: "title", Kind: KindText, Aliases: []string{"title", "name", "project_name", "project_title", "project"}},
		{Name: "organization_number", Kind: KindNumber, Aliases: []string{"organization_number", "organization", "collaborator_number", "collaborator", "org", "org_number", "organization_id", "collaborator_id"}},
		{Name: "status", Kind: KindText, Aliases: []string{"status", "state", "project_status"}},
		{Name: "disease_area", Kind: KindText, Aliases: []string{"disease_area", "disease", "research_area", "area", "indication"}},
		{Name: "start_date", Kind: KindDate, Aliases: []string{"start_date", "start", "started", "begin_date"}},
		{Name: "end_date", Kind: KindDate, Aliases: []string{"end_date", "end", "ended", "finish_date"}},
	},
	store.Specimens: {
		{Name: "number", Kind: KindNumber, Aliases: []string{"number", "id", "specimen_number", "specimen_id", "specimen_no", "no"}},
		{Name: "label", Kind: KindText, Aliases: []string{"label", "tube_label", "tube_id", "tube", "sample_id", "sample_name", "sample", "barcode"}},
		{Name: "specimen_type", Kind: KindText, Aliases: []string{"specimen_type", "type", "sample_type", "material", "matrix"}},
		{Name: "project_number", Kind: KindNumber, Aliases: []string{"project_number", "project", "project_id", "project_no"}},
		{Name: "patient_number", Kind: KindNumber, Aliases: []string{"patient_number", "patient", "patient_id", "patient_no"}},
		{Name: "volume_ul", Kind: KindQuantity, Aliases: []string{"volume_ul", "volume", "vol", "quantity", "amount"}},
		{Name: "collection_date", Kind: KindDate, Aliases: []string{"collection_date", "collected", "date_collected", "sampling_date", "draw_date", "date"}},
		{Name: "position", Kind: KindText, Aliases: []string{"position", "location", "storage_position", "box_position", "freezer_position", "slot"}},
		{Name: "depleted", Kind: KindBool, Aliases: []string{"depleted", "empty", "used_up", "exhausted"}},
	},
	store.Patients: {
		{Name: "number", Kind: KindNumber, Aliases: []string{"number", "id", "patient_number", "patient_id", "patient_no", "no"}},
		{Name: "code", Kind: KindText, Aliases: []string{"code", "patient_code", "pseudonym", "subject_id", "subject"}},
		{Name: "sex", Kind: KindText, Aliases: []string{"sex", "gender"}},
		{Name: "birth_date", Kind: KindDate, Aliases: []string{"birth_date", "dob", "date_of_birth", "birthdate", "born"}},
		{Name: "diagnosis", Kind: KindText, Aliases: []string{"diagnosis", "icd", "icd_code", "condition", "disease"}},
	},
}

// Schema returns the field definitions for an entity type.
func Schema(e store.Entity) []FieldDef {
	return schemas[e]
}

// aliasIndex maps every normalized alias of an entity to its FieldDef.
func aliasIndex(e store.Entity) map[string]FieldDef {
	idx := make(map[string]FieldDef)
	for _, def := range schemas[e] {
		for _, a := range def.Aliases {
			idx[a] = def
		}
	}
	return idx
}
