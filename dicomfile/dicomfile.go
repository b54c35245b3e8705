// Package dicomfile extracts the small set of DICOM tags the ingest
// pipeline cares about. Parsing stops at PixelData so scanning a large
// series never reads image payloads.
package dicomfile

import (
	"compress/gzip"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// DicomFileError signals a malformed DICOM stream.
type DicomFileError struct {
	Path string
	Err  error
}

func (e *DicomFileError) Error() string {
	return fmt.Sprintf("cannot parse dicom file %s: %v", e.Path, e.Err)
}

func (e *DicomFileError) Unwrap() error {
	return e.Err
}

// Header holds the parsed tag subset of one DICOM file.
type Header struct {
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
	AcquisitionNumber string

	Modality  string
	ImageType []string

	StudyDescription  string
	StudyID           string
	SeriesDescription string
	SeriesNumber      string

	PatientID        string
	PatientName      string
	PatientBirthDate string
	PatientSex       string

	StudyDate       string
	StudyTime       string
	SeriesDate      string
	SeriesTime      string
	AcquisitionDate string
	AcquisitionTime string

	// ReferencedSeriesUID is filled when the file declares a
	// ReferencedFrameOfReferenceSequence chain pointing at another
	// series (RT structures and the like).
	ReferencedSeriesUID string
}

// ParseHeader reads the tag subset from r. Size is the total stream
// length; gzipped streams (path ending .gz) are transparently
// decompressed. The path parameter is only used in error messages.
func ParseHeader(r io.Reader, size int64, path string) (*Header, error) {
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, &DicomFileError{Path: path, Err: err}
		}
		defer gz.Close()
		r = gz
		size = -1
	}
	dataset, err := dicom.Parse(r, size, nil,
		dicom.SkipPixelData(),
		dicom.SkipProcessingPixelDataValue())
	if err != nil {
		return nil, &DicomFileError{Path: path, Err: err}
	}
	header := &Header{}
	header.StudyInstanceUID = stringValue(&dataset, tag.StudyInstanceUID)
	header.SeriesInstanceUID = stringValue(&dataset, tag.SeriesInstanceUID)
	header.SOPInstanceUID = stringValue(&dataset, tag.SOPInstanceUID)
	header.AcquisitionNumber = stringValue(&dataset, tag.AcquisitionNumber)
	header.Modality = stringValue(&dataset, tag.Modality)
	header.ImageType = stringValues(&dataset, tag.ImageType)
	header.StudyDescription = stringValue(&dataset, tag.StudyDescription)
	header.StudyID = stringValue(&dataset, tag.StudyID)
	header.SeriesDescription = stringValue(&dataset, tag.SeriesDescription)
	header.SeriesNumber = stringValue(&dataset, tag.SeriesNumber)
	header.PatientID = stringValue(&dataset, tag.PatientID)
	header.PatientName = stringValue(&dataset, tag.PatientName)
	header.PatientBirthDate = stringValue(&dataset, tag.PatientBirthDate)
	header.PatientSex = stringValue(&dataset, tag.PatientSex)
	header.StudyDate = stringValue(&dataset, tag.StudyDate)
	header.StudyTime = stringValue(&dataset, tag.StudyTime)
	header.SeriesDate = stringValue(&dataset, tag.SeriesDate)
	header.SeriesTime = stringValue(&dataset, tag.SeriesTime)
	header.AcquisitionDate = stringValue(&dataset, tag.AcquisitionDate)
	header.AcquisitionTime = stringValue(&dataset, tag.AcquisitionTime)
	header.ReferencedSeriesUID = referencedSeriesUID(&dataset)
	if header.SOPInstanceUID == "" {
		return nil, &DicomFileError{Path: path, Err: fmt.Errorf("missing SOPInstanceUID")}
	}
	return header, nil
}

// Get returns a header field by its DICOM keyword, used by the
// subject-code mapping which lets users pick arbitrary map keys.
func (h *Header) Get(keyword string) string {
	switch keyword {
	case "PatientID":
		return h.PatientID
	case "PatientName":
		return h.PatientName
	case "PatientBirthDate":
		return h.PatientBirthDate
	case "PatientSex":
		return h.PatientSex
	case "StudyInstanceUID":
		return h.StudyInstanceUID
	case "SeriesInstanceUID":
		return h.SeriesInstanceUID
	case "StudyID":
		return h.StudyID
	case "StudyDescription":
		return h.StudyDescription
	case "SeriesDescription":
		return h.SeriesDescription
	case "AcquisitionNumber":
		return h.AcquisitionNumber
	case "Modality":
		return h.Modality
	}
	return ""
}

// StudyTimestamp combines StudyDate and StudyTime, or nil.
func (h *Header) StudyTimestamp() *time.Time {
	return dicomTimestamp(h.StudyDate, h.StudyTime)
}

// SeriesTimestamp combines SeriesDate/SeriesTime, falling back to the
// acquisition date/time pair.
func (h *Header) SeriesTimestamp() *time.Time {
	if ts := dicomTimestamp(h.SeriesDate, h.SeriesTime); ts != nil {
		return ts
	}
	return dicomTimestamp(h.AcquisitionDate, h.AcquisitionTime)
}

// IsLocalizer reports whether the file's ImageType marks a CT
// localizer slice. Localizers are packed separately from the series.
func (h *Header) IsLocalizer() bool {
	for _, t := range h.ImageType {
		if strings.EqualFold(t, "LOCALIZER") {
			return true
		}
	}
	return false
}

func dicomTimestamp(date, clock string) *time.Time {
	if len(date) < 8 {
		return nil
	}
	layout := "20060102"
	value := date[:8]
	if len(clock) >= 6 {
		layout += "150405"
		value += clock[:6]
	}
	ts, err := time.Parse(layout, value)
	if err != nil {
		return nil
	}
	return &ts
}

func stringValue(dataset *dicom.Dataset, t tag.Tag) string {
	values := stringValues(dataset, t)
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}

func stringValues(dataset *dicom.Dataset, t tag.Tag) []string {
	element, err := dataset.FindElementByTag(t)
	if err != nil || element == nil {
		return nil
	}
	if values, ok := element.Value.GetValue().([]string); ok {
		return values
	}
	if values, ok := element.Value.GetValue().([]int); ok {
		strs := make([]string, len(values))
		for i, v := range values {
			strs[i] = fmt.Sprintf("%d", v)
		}
		return strs
	}
	return nil
}

// referencedSeriesUID digs through the RT reference chain
// ReferencedFrameOfReferenceSequence > RTReferencedStudySequence >
// RTReferencedSeriesSequence for a SeriesInstanceUID.
func referencedSeriesUID(dataset *dicom.Dataset) string {
	element, err := dataset.FindElementByTag(tag.ReferencedFrameOfReferenceSequence)
	if err != nil || element == nil {
		return ""
	}
	return findSeriesUIDInSequence(element.Value)
}

func findSeriesUIDInSequence(value dicom.Value) string {
	items, ok := value.GetValue().([]*dicom.SequenceItemValue)
	if !ok {
		return ""
	}
	for _, item := range items {
		elements, ok := item.GetValue().([]*dicom.Element)
		if !ok {
			continue
		}
		for _, el := range elements {
			if el.Tag == tag.SeriesInstanceUID {
				if values, ok := el.Value.GetValue().([]string); ok && len(values) > 0 {
					return strings.TrimSpace(values[0])
				}
			}
			if el.Value != nil && el.Value.ValueType() == dicom.Sequences {
				if uid := findSeriesUIDInSequence(el.Value); uid != "" {
					return uid
				}
			}
		}
	}
	return ""
}
