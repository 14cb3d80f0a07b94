package params

import "encoding/json"

// defaultTemplate is returned for devices without a bound parameter file.
// Mode 2 uploads inference results only.
const defaultTemplate = `{
    "commands": [
        {
            "command_name": "StartUploadInferenceData",
            "parameters": {
                "Mode": 2,
                "UploadMethod": "HTTPStorage",
                "StorageName": "http://localhost:8080",
                "StorageSubDirectoryPath": "/image/{device_id}",
                "FileFormat": "JPG",
                "UploadMethodIR": "HTTPStorage",
                "StorageNameIR": "http://localhost:8080",
                "StorageSubDirectoryPathIR": "/meta/{device_id}",
                "CropHOffset": 0,
                "CropVOffset": 0,
                "CropHSize": 4056,
                "CropVSize": 3040,
                "NumberOfImages": 0,
                "UploadInterval": 60,
                "NumberOfInferencesPerMessage": 1,
                "MaxDetectionsPerFrame": 1,
                "PPLParameter": {
                    "header": {
                        "id": "00",
                        "version": "01.01.00"
                    },
                    "dnn_output_detections": 100,
                    "max_detections": 1,
                    "threshold": 0.3,
                    "input_width": 320,
                    "input_height": 320
                }
            }
        }
    ]
}`

// Default returns a fresh copy of the default parameter template.
func Default() Document {
	var doc Document
	if err := json.Unmarshal([]byte(defaultTemplate), &doc); err != nil {
		panic("params: invalid default template: " + err.Error())
	}
	return doc
}
