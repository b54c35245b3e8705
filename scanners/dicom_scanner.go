package scanners

import (
	"fmt"
	"sort"
	"strings"

	"github.com/axonlab/ingest/constants"
	"github.com/axonlab/ingest/dicomfile"
	"github.com/axonlab/ingest/models"
)

// DicomScanner sweeps every file under its dir, parses the small tag
// subset, and fans the files into a session > acquisition > packfile
// hierarchy keyed by Study and Series instance uids.
type DicomScanner struct {
	config *Config

	sessions map[string]*sessionGroup
	// secondary parks files that reference a series not yet seen as a
	// primary; they merge into the primary's acquisition on arrival.
	secondary map[string][]*dicomSlice
}

// NewDicomScanner returns a scanner over config.Dir.
func NewDicomScanner(config *Config) *DicomScanner {
	return &DicomScanner{
		config:    config,
		sessions:  make(map[string]*sessionGroup),
		secondary: make(map[string][]*dicomSlice),
	}
}

type dicomSlice struct {
	entry  fileEntry
	header *dicomfile.Header
}

type sessionGroup struct {
	studyUID     string
	header       *dicomfile.Header
	acquisitions map[string]*acquisitionGroup
	order        []string
}

type acquisitionGroup struct {
	seriesUID string
	header    *dicomfile.Header
	// packs groups slices into packfiles. CT series split localizer
	// slices into their own packfile; everything else shares one.
	packs map[string][]*dicomSlice
	order []string
	// warning is set when this acquisition was emitted from parked
	// secondary files whose primary never appeared.
	warning string
}

// Scan is the file sweep followed by the per-group item emission.
func (scanner *DicomScanner) Scan(emit EmitFunc) error {
	entries, err := collectFiles(scanner.config, emit)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !scanner.shouldScan(entry.name) {
			continue
		}
		if err = scanner.scanFile(entry, emit); err != nil {
			return err
		}
	}
	scanner.adoptOrphanedSecondaries()
	return scanner.emitGroups(emit)
}

func (scanner *DicomScanner) shouldScan(name string) bool {
	if scanner.config.Ingest.Config != nil && scanner.config.Ingest.Config.ForceScan {
		return true
	}
	return constants.DicomExtensionPattern.MatchString(name)
}

func (scanner *DicomScanner) scanFile(entry fileEntry, emit EmitFunc) error {
	reader, err := scanner.config.Walker.Open(entry.path)
	if err != nil {
		return emit(Emission{Error: models.NewError(
			scanner.config.Ingest.ID, models.ErrInvalidSourcePath, err.Error(), entry.path)})
	}
	header, err := dicomfile.ParseHeader(reader, entry.size, entry.path)
	reader.Close()
	if err != nil {
		return emit(Emission{Error: models.NewError(
			scanner.config.Ingest.ID, models.ErrUnparsableDicomFile, err.Error(), entry.path)})
	}
	slice := &dicomSlice{entry: entry, header: header}
	if header.ReferencedSeriesUID != "" && header.ReferencedSeriesUID != header.SeriesInstanceUID {
		// RT structures and the like attach to the acquisition of the
		// series they reference.
		if acq := scanner.findAcquisition(header.ReferencedSeriesUID); acq != nil {
			acq.addSlice(slice, packKey(slice))
			return nil
		}
		scanner.secondary[header.ReferencedSeriesUID] = append(
			scanner.secondary[header.ReferencedSeriesUID], slice)
		return nil
	}
	session := scanner.session(header)
	acq := session.acquisition(header)
	acq.addSlice(slice, packKey(slice))
	// Merge any parked secondaries now that their primary appeared.
	if parked, ok := scanner.secondary[header.SeriesInstanceUID]; ok {
		for _, s := range parked {
			acq.addSlice(s, packKey(s))
		}
		delete(scanner.secondary, header.SeriesInstanceUID)
	}
	return nil
}

func (scanner *DicomScanner) session(header *dicomfile.Header) *sessionGroup {
	session, ok := scanner.sessions[header.StudyInstanceUID]
	if !ok {
		session = &sessionGroup{
			studyUID:     header.StudyInstanceUID,
			header:       header,
			acquisitions: make(map[string]*acquisitionGroup),
		}
		scanner.sessions[header.StudyInstanceUID] = session
	}
	return session
}

func (session *sessionGroup) acquisition(header *dicomfile.Header) *acquisitionGroup {
	acq, ok := session.acquisitions[header.SeriesInstanceUID]
	if !ok {
		acq = &acquisitionGroup{
			seriesUID: header.SeriesInstanceUID,
			header:    header,
			packs:     make(map[string][]*dicomSlice),
		}
		session.acquisitions[header.SeriesInstanceUID] = acq
		session.order = append(session.order, header.SeriesInstanceUID)
	}
	return acq
}

func (scanner *DicomScanner) findAcquisition(seriesUID string) *acquisitionGroup {
	for _, session := range scanner.sessions {
		if acq, ok := session.acquisitions[seriesUID]; ok {
			return acq
		}
	}
	return nil
}

func (acq *acquisitionGroup) addSlice(slice *dicomSlice, key string) {
	if _, ok := acq.packs[key]; !ok {
		acq.order = append(acq.order, key)
	}
	acq.packs[key] = append(acq.packs[key], slice)
}

// packKey splits CT localizer slices away from the main series; other
// modalities share one packfile per series.
func packKey(slice *dicomSlice) string {
	if strings.EqualFold(slice.header.Modality, "CT") && slice.header.IsLocalizer() {
		return "localizer"
	}
	return "dicom"
}

// adoptOrphanedSecondaries promotes parked secondary files whose
// primary never appeared into standalone acquisitions, flagged with a
// warning.
func (scanner *DicomScanner) adoptOrphanedSecondaries() {
	uids := make([]string, 0, len(scanner.secondary))
	for uid := range scanner.secondary {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	for _, referencedUID := range uids {
		slices := scanner.secondary[referencedUID]
		header := slices[0].header
		session := scanner.session(header)
		acq := session.acquisition(header)
		acq.warning = fmt.Sprintf(
			"referenced series %s never appeared; emitting %d file(s) as a standalone acquisition",
			referencedUID, len(slices))
		for _, slice := range slices {
			acq.addSlice(slice, packKey(slice))
		}
		delete(scanner.secondary, referencedUID)
	}
}

func (scanner *DicomScanner) emitGroups(emit EmitFunc) error {
	studyUIDs := make([]string, 0, len(scanner.sessions))
	for uid := range scanner.sessions {
		studyUIDs = append(studyUIDs, uid)
	}
	sort.Strings(studyUIDs)
	for _, studyUID := range studyUIDs {
		session := scanner.sessions[studyUID]
		sessionContext, err := scanner.sessionContext(session)
		if err != nil {
			return err
		}
		for _, seriesUID := range session.order {
			acq := session.acquisitions[seriesUID]
			if acq.warning != "" {
				err = emit(Emission{Error: models.NewError(
					scanner.config.Ingest.ID, models.ErrInvalidSourceContext,
					acq.warning, scanner.config.Dir)})
				if err != nil {
					return err
				}
			}
			if err = scanner.emitAcquisition(sessionContext, acq, emit); err != nil {
				return err
			}
		}
	}
	return nil
}

// sessionContext derives subject and session labels for one study.
func (scanner *DicomScanner) sessionContext(session *sessionGroup) (*models.SourceContext, error) {
	context := scanner.config.Context.Clone()
	header := session.header
	if context.Subject == nil || context.Subject.Label == "" {
		label, err := scanner.subjectLabel(header)
		if err != nil {
			return nil, err
		}
		context.Subject = &models.SubjectContext{Label: label, Sex: header.PatientSex}
	}
	sessionLabel := header.StudyDescription
	if sessionLabel == "" {
		if ts := header.StudyTimestamp(); ts != nil {
			sessionLabel = ts.Format(constants.TimestampFormat)
		}
	}
	if sessionLabel == "" {
		sessionLabel = session.studyUID
	}
	context.Session = &models.SessionContext{
		Label:     models.SanitizeLabel(sessionLabel),
		UID:       session.studyUID,
		Timestamp: header.StudyTimestamp(),
	}
	return context, nil
}

// subjectLabel picks the subject code: the user-supplied label came in
// on the initial context; next the configured header-field mapping;
// last plain PatientID.
func (scanner *DicomScanner) subjectLabel(header *dicomfile.Header) (string, error) {
	strategy := scanner.config.Ingest.Strategy
	if strategy != nil && strategy.Subject != nil && scanner.config.Subjects != nil {
		mapValues := make([]string, 0, len(strategy.Subject.MapKeys))
		for _, key := range strategy.Subject.MapKeys {
			mapValues = append(mapValues, header.Get(key))
		}
		return scanner.config.Subjects(mapValues)
	}
	return header.PatientID, nil
}

// acquisitionLabel derives the acquisition label:
// "{SeriesNumber} - {SeriesDescription}", else the series timestamp,
// else the series uid.
func acquisitionLabel(acq *acquisitionGroup) string {
	header := acq.header
	if header.SeriesDescription != "" {
		label := header.SeriesDescription
		if header.SeriesNumber != "" {
			label = header.SeriesNumber + " - " + label
		}
		return label
	}
	if ts := header.SeriesTimestamp(); ts != nil {
		return ts.Format(constants.TimestampFormat)
	}
	return acq.seriesUID
}

func (scanner *DicomScanner) emitAcquisition(sessionContext *models.SourceContext, acq *acquisitionGroup, emit EmitFunc) error {
	label := models.SanitizeLabel(acquisitionLabel(acq))
	seen := map[string]int{}
	for _, key := range acq.order {
		slices := acq.packs[key]
		packLabel := label
		if key == "localizer" {
			packLabel = label + "_localizer"
		}
		// De-conflict packfile names within one acquisition.
		if n, ok := seen[packLabel]; ok {
			seen[packLabel] = n + 1
			packLabel = fmt.Sprintf("%s_dup-%d", packLabel, n)
		} else {
			seen[packLabel] = 1
		}
		context := sessionContext.Clone()
		context.Acquisition = &models.AcquisitionContext{
			Label:     label,
			UID:       acq.seriesUID,
			Timestamp: acq.header.SeriesTimestamp(),
		}
		context.PackfileType = "dicom"
		files := make([]string, 0, len(slices))
		var bytesSum int64
		for _, slice := range slices {
			files = append(files, relativeTo(scanner.config.Dir, slice.entry.path))
			bytesSum += slice.entry.size
		}
		sort.Strings(files)
		item, err := models.NewItem(scanner.config.Ingest.ID, scanner.config.Dir,
			constants.ItemPackfile, packLabel+".dicom.zip", files, bytesSum, context)
		if err != nil {
			return err
		}
		uids := make([]*models.UID, 0, len(slices))
		for _, slice := range slices {
			uid, uerr := models.NewUID(scanner.config.Ingest.ID, item.ID,
				relativeTo(scanner.config.Dir, slice.entry.path),
				slice.header.StudyInstanceUID,
				slice.header.SeriesInstanceUID,
				slice.header.SOPInstanceUID)
			if uerr != nil {
				err = emit(Emission{Error: models.NewError(
					scanner.config.Ingest.ID, models.ErrUnparsableDicomFile,
					uerr.Error(), slice.entry.path)})
				if err != nil {
					return err
				}
				continue
			}
			uid.AcquisitionNumber = slice.header.AcquisitionNumber
			uids = append(uids, uid)
		}
		if err = emit(Emission{Item: item, UIDs: uids}); err != nil {
			return err
		}
	}
	return nil
}
