package templates

// Template is one step of an email sequence. A nil QuizID marks a general
// template shared by every quiz in its geography; a non-nil QuizID binds the
// template to a single quiz.
type Template struct {
	ID         int64  `gorm:"column:id;primaryKey;autoIncrement"`
	SequenceID int64  `gorm:"column:sequence_id;not null;default:0"`
	QuizID     *int64 `gorm:"column:quiz_id;index:idx_templates_quiz_geo_step,priority:1"`
	Geo        string `gorm:"column:geo;size:16;not null;index:idx_templates_quiz_geo_step,priority:2"`
	Step       int    `gorm:"column:step;not null;index:idx_templates_quiz_geo_step,priority:3"`
	Subject    string `gorm:"column:subject;size:500;not null"`
	HTML       string `gorm:"column:html;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Template) TableName() string {
	return "email_templates"
}

// IsGeneral reports whether the template has no quiz affinity.
func (t Template) IsGeneral() bool {
	return t.QuizID == nil
}
